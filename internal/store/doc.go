// Package store provides persistent storage for the gateway using SQLite.
//
// The Store interface covers the four persisted record kinds:
//
//   - Client: agent record surviving disconnects (ONLINE/OFFLINE, geo, tags)
//   - Task: operator-issued command for a client
//   - TaskResult: output an agent reported for a task (at most one per task)
//   - LoginEvent: append-only operator login audit trail
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL mode,
// foreign keys on). Timestamps persist as RFC3339 UTC text. The database is
// the serialization point for ledger writes: callers are responsible for
// emitting change notifications only after a write returns successfully.
//
// Use NewMockStore() in tests that don't need real SQLite; it also supports
// injecting persistence failures via FailNext.
package store
