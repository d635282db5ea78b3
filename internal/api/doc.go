// Package api hosts the HTTP server, middleware, and REST handlers for the
// scroll-depth service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions and /v1/sessions/{id}/samples to drive trackers.
//   - GET /v1/sessions/{id}/milestones for the persisted audit trail.
//   - GET /v1/stream to follow the scrollDepthReached channel over a websocket.
package api
