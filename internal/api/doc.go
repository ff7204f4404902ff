// Package api hosts the HTTP server, middleware, and REST handlers for the audit
// service. Notable routes:
//   - POST /scan/start-async to queue a scan job.
//   - GET /scan/{job_id}/status and /scan/{job_id}/results for polling.
//   - GET /scan/{job_id}/stream for server-sent progress events.
//   - GET /scan/{job_id}/pages for the discovered pages and their selection.
//   - GET /scan/history for a user's recent jobs.
//   - POST /scan/{job_id}/cancel to stop a running job.
//   - POST /scan/discovery/discover-urls for a synchronous, API-key protected
//     discover-and-select run.
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
package api
