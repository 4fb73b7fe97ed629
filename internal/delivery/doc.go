// ABOUTME: Package delivery routes dialog events to live connections
// ABOUTME: Bus consumer, per-connection send queues, and stream replay buffers

// Package delivery consumes the event bus and pushes each dialog event to
// the operator, widget, and stream pools of the connection registry.
//
// Live delivery is best-effort. A connection whose queue is full is closed
// with CloseSlowConsumer rather than silently skipped, so it reconnects and
// receives a sync event carrying the authoritative state. Stream clients
// that reconnect with a Last-Event-ID are replayed from a bounded per-dialog
// buffer when the id is still held, and resynced otherwise.
//
// Clients should ignore handoff events whose seq is not greater than the
// last_seq of the most recent sync they received.
package delivery
