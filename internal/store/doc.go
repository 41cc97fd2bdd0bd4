// Package store provides SQLite-backed durable storage for lowering runs.
//
// The store is an append-only log with:
//   - Runs: one record per invocation of the lowering pipeline
//   - Artifacts: the lowered output of each function in a run
//   - Diagnostics: the diagnostics messages captured during a run
//
// # Ordering
//
// Every row carries a seq from the store's logical clock. Reads order by
// seq ASC, id ASC COLLATE BINARY so that results are identical no matter
// when the rows were written.
//
// # Idempotency
//
// WriteRun and WriteArtifact use ON CONFLICT DO NOTHING. An artifact is
// unique per (run_id, function); writing the same function twice in one
// run keeps the first artifact.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
