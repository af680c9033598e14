// Package api hosts the artifact HTTP server. Every route projects a field of a
// stored audit result selected by the id query parameter:
//   - GET /view for the HTML report.
//   - GET /scores for the category scores.
//   - GET /timings and /timing for the load filmstrip.
//   - GET /screenshot for the final screenshot.
//   - GET /healthz for probes and /metrics for Prometheus scraping.
package api
