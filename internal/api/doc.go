// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - POST /plex receives Plex webhooks (multipart payload + optional thumb).
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
