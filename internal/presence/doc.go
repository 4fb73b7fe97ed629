// ABOUTME: Package presence tracks operator availability and load
// ABOUTME: Heartbeat sweeper and active chat counter reconciliation

// Package presence records operator status (online, away, offline),
// heartbeats, and per-channel capacity.
//
// Capacity enforcement never trusts the cached active_chats counter: the
// handoff layer calls HasCapacity inside its transaction, which counts the
// operator's active dialogs directly. The counter is kept for display and
// corrected by Reconcile, which Run calls on a fixed interval.
package presence
