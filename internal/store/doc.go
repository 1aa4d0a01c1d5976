// Package store provides persistent storage for coven-chat using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture:
//
//   - Store: conversations and messages (the messaging core)
//   - ProfileStore: user profiles consulted by the Identity Provider
//   - RecordStore: generic CRUD and counts over named collections
//
// SQLiteStore implements all interfaces in a single struct. MockStore is an
// in-memory implementation with the same constraints for unit tests.
//
// # Invariants
//
// Conversations are stored with their participants in canonical order
// (participant_a < participant_b) and a UNIQUE index on the pair, so at most one
// conversation can exist per unordered pair. A duplicate insert returns
// ErrDuplicateConversation and callers re-read the winning row.
//
// AppendMessage inserts the message and advances the parent conversation's
// updated_at in one transaction. Messages list in (created_at, id) order.
//
// # SQLite Configuration
//
// Two database/sql drivers are supported:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// File databases use WAL mode, foreign keys, a busy timeout and immediate
// transactions. ":memory:" databases are pinned to a single connection.
//
// Timestamps are stored as fixed-width UTC text with nanosecond precision so
// that lexical order equals chronological order.
package store
