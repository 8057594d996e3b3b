// Package storage persists scheduled items and the records they turn into.
//
// Every transition out of the scheduled status is a conditional write guarded
// by the stored status and revision, executed in a single transaction, so the
// dispatcher, the fallback poller and API requests can race on the same item
// and at most one of them succeeds.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (or ":memory:")
//   - "memory": process-local maps, for tests and dry runs
package storage
