// Package bus bridges dialog events between producers and the instances
// holding live connections.
//
// Each dialog has one logical channel (dialog:<id>, or routing key
// dialog.<id> on AMQP). Subscribers attach with a pattern spanning every
// dialog. Publish stamps the event with a server timestamp, dialog id,
// source tag, and event id; it succeeds with zero subscribers.
//
// Backends:
//
//   - MemoryBus: in-process, for single-instance deployments and tests
//   - RedisBus: PUBLISH / PSUBSCRIBE
//   - AMQPBus: topic exchange, exclusive queue per subscriber
//
// Delivery is best-effort and unordered across dialogs. Subscriptions
// reconnect with jittered exponential backoff; events published while
// disconnected are lost and recovered by clients through resync.
package bus
