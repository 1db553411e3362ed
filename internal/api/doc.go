// Package api hosts the HTTP server, middleware, and REST handlers.
//
// Routes:
//   - GET /health, /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /scrape_json and POST /scrape run a scrape synchronously and answer
//     with JSON or an Excel workbook.
//   - /v1/jobs submits scrapes to the background queue and reads them back.
package api
