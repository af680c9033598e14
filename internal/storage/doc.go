// Package storage groups the result store backends. Every backend persists
// audit.Entry values keyed by their content address and satisfies
// audit.ResultStore:
//   - local: one JSON file per id under a directory (default).
//   - memory: process-local map, used by tests and ephemeral runs.
//   - gcs: one JSON object per id in a Google Cloud Storage bucket.
//   - postgres: one JSONB row per id in a Postgres table.
package storage
