// Package api hosts the HTTP server, middleware, and REST handlers for the
// apply engine. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/applications to submit an application request.
//   - GET /v1/applications/{id} and /v1/applications/{id}/attempts for status
//     and the attempt log.
//   - GET /v1/applications/{id}/events for a websocket stream of attempt events.
package api
