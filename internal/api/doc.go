// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz for liveness.
//   - GET /readyz, which pings the crawl store.
//   - GET /metrics for Prometheus scraping.
package api
