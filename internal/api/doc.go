// Package api hosts the HTTP server and middleware for operator access.
// Notable routes:
//   - GET /healthz and /readyz for probes; readiness pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status, /v1/runs/last and /v1/schedule for run and job state.
//   - POST /v1/runs and /v1/dumps to start a job now, rejected with 409
//     while another job is running.
package api
