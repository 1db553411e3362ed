// Command fairscraper serves the exhibitor extraction API.
//
// Usage:
//
//	fairscraper -config config.yaml
//
// Every setting can also come from FAIRSCRAPER_* environment variables; PORT
// overrides the listen port.
package main
