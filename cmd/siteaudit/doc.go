// Package main hosts the site audit service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts scan requests, serves status and results
//     projections, and runs the API-key protected synchronous discovery endpoint.
//   - Pipeline: internal/pipeline.Orchestrator drives each job through orchestration,
//     discovery, selection, scraping, extraction, analysis and aggregation. Every phase
//     is a broker task; finishing one publishes the next.
//   - Broker & workers: tasks flow through the in-memory broker or Google Pub/Sub, one
//     queue per phase. internal/dispatcher starts a worker pool per queue sized by
//     workers.concurrency.
//   - Fetch pipeline: a static Colly fetch with per-host rate limiting and retries,
//     promoted to Chromedp when the heuristic detector sees a client-rendered shell.
//   - Persistence: jobs and pages live in memory or Postgres; scraped HTML goes to the
//     configured blob store (memory/local/GCS).
//
// Operational notes:
//   - The memory broker only delivers within one process, so `serve` runs the workers
//     in-process by default. With Pub/Sub, run `serve --workers=false` and scale
//     `worker --phases ...` separately.
//   - Every task runs under pipeline.task_time_limit_seconds; exceeding it fails the job.
//   - SIGINT/SIGTERM cancel the root context, draining HTTP and stopping workers.
//
// Quick checklist:
//   - Configure with a YAML file (--config) or SITEAUDIT_* env vars, optionally from a
//     .env file (--env-file).
//   - Postgres: set store.provider=postgres and db.dsn, then run `siteaudit migrate`.
//   - Run locally: go run ./cmd/siteaudit serve
package main
