// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /v1/purchases for purchase intake.
//   - /v1/queue, /v1/jobs, /v1/sessions, and /v1/directories for staff.
//   - GET /v1/jobs/{id}/summary and /report for customers.
//   - GET /healthz, /readyz, and /metrics for health checks and Prometheus scraping.
package api
