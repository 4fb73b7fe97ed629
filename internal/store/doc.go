// Package store provides persistent storage for switchboard using SQLite.
//
// # Data Models
//
//   - Tenant: customer account and its allowed embedding domains
//   - Dialog: one conversation and its current handoff state
//   - HandoffAuditEntry: immutable, per-dialog sequence-numbered transition
//   - OperatorPresence: operator status, heartbeat, capacity, active chat counter
//
// # Transactions
//
// SQLiteStore embeds *Queries, so every query can run directly against the
// connection pool. InTx hands a transaction-scoped *Queries to a callback;
// handoff transitions read the dialog, append the audit entry, and adjust
// operator counters inside one InTx call so the seq read-increment-append is
// atomic. Transactions begin IMMEDIATE so concurrent writers queue on the
// busy timeout.
//
// # Timestamps
//
// Times are stored as fixed-width RFC 3339 strings in UTC with nanoseconds,
// which keeps lexical and chronological order identical for queue queries.
//
// # Active Chat Counter
//
// operator_presence.active_chats is a cache maintained by transitions.
// ReconcileActiveChats rewrites it from the dialogs table, which is the
// authoritative source for operator load.
package store
