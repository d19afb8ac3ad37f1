// Package api hosts the HTTP control surface for crawl jobs. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to start a job, and POST /v1/jobs/{job_id}/pause,
//     /resume, /stop and /retry to drive it.
//   - GET /v1/jobs and /v1/jobs/{job_id} for live snapshots.
//   - GET /v1/runs and /v1/runs/{job_id} for persisted run history via the
//     RunRepository interface.
package api
