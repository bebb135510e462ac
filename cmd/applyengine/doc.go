// Package main hosts the apply engine entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts application requests, reports status and attempt logs, and streams
//     attempt events over a websocket. Submissions are validated, trust-checked, classified, and persisted before
//     they are acknowledged.
//   - Queue & workers: the request store is the system of record. A fixed pool of workers (queue.workers) claims due
//     requests in NextAttemptAt/CreatedAt order. Each attempt runs on a context detached from shutdown and bounded by
//     queue.attempt_timeout, under a per-request lock (Redis when configured).
//   - Attempt pipeline: internal/orchestrator drives a browser session from the bounded Chrome pool through form
//     extraction, AI-assisted filling, submission, challenge handling, and confirmation. Failures are classified by
//     internal/retry and either rescheduled with backoff, re-checked verify-only, or failed with a sanitized reason.
//   - Spend: challenge solves are billed against a per-user daily budget before they are attempted.
//   - Observability: zap logs carry request IDs and states; Prometheus metrics are served on /metrics; attempt spans
//     are traced through OpenTelemetry; terminal outcomes are published to Pub/Sub when a topic is configured.
//
// Quick checklist:
//   - Configure env vars with the APPLY_ prefix, e.g. APPLY_SERVER_PORT, APPLY_QUEUE_WORKERS,
//     APPLY_STORAGE_BACKEND=postgres with APPLY_DB_DSN, APPLY_REDIS_ADDR, APPLY_RESUME_BACKEND=gcs with
//     APPLY_RESUME_BUCKET, APPLY_CHALLENGE_ENABLED with APPLY_CHALLENGE_BASE_URL, and APPLY_LLM_API_KEY.
//     A .env file in the working directory is loaded first when present.
//   - Run locally: go run ./cmd/applyengine -config config.yaml (or rely solely on env overrides).
//   - SIGINT/SIGTERM stops intake, lets in-flight attempts finish and record their outcome, then exits.
package main
