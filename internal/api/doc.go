// Package api hosts the HTTP server, middleware, and REST handlers for the
// calculation service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/calculations to start a run, POST .../cancel to abort one.
//   - GET /v1/calculations and .../{run_id} for run listings and detail.
//   - GET /v1/calculations/{run_id}/progress for the latest snapshot and
//     .../events for a live SSE stream of snapshots.
package api
