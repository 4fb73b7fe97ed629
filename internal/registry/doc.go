// ABOUTME: Package registry tracks live connections per dialog
// ABOUTME: Operator, widget, and stream pools are distinct types and never mix

// Package registry holds the in-memory pools of live connections that the
// delivery layer pushes events to.
//
// There are three pools: console operators, embedded widgets, and
// server-push event streams. Each pool is a Pool parameterized by its own
// handle type, so a widget connection cannot be registered into the
// operator pool. Every pool keeps connection metadata next to the handle
// and Status reports whether the two agree.
//
// Register and Unregister are idempotent. Lookup returns a snapshot, so
// callers may send without holding pool locks.
package registry
