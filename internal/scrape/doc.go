// Package scrape holds the exhibitor model, the driver contracts, and the
// Pipeline that runs drivers in preference order (easyfairs API first, static
// HTML second, headless browser last).
package scrape
