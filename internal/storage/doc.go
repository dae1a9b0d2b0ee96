// Package storage provides the durable key-value store behind the
// fingerprint cache.
//
// Drivers:
//   - "file": snapshot + append-only journal, compacted periodically
//   - "sqlite": single kv table (modernc.org/sqlite through sqlx)
//   - "memory": process-local map, for tests and dry runs
package storage
