// Package gateway wires the switchboard server components together.
//
// # Overview
//
// The Gateway owns the store, the event bus, the connection registry, the
// delivery orchestrator, the handoff state machine, and the presence tracker,
// and exposes them over HTTP:
//
//   - gateway.go: construction, listeners (TCP or tailscale), Run/Shutdown
//   - admit.go: rate guard and credential checks shared by all transports
//   - ws.go: websocket transport for operator consoles and widgets
//   - sse.go: server-sent event stream with Last-Event-ID resume
//   - api.go: collaborator HTTP API and diagnostics
//   - embed.go: frame-ancestors policy for the widget embed page
//
// # Admission
//
// Every inbound connection passes the rate guard, keyed by the client address
// derived from trusted proxies only, then authenticates:
//
//   - /ws/operator/{id}: bearer operator session or service token
//   - /ws/widget/{id}: capability token, or assistant_id + guest_id
//   - /events/{id}: either of the above
//
// Websocket rejections complete the upgrade and close immediately with a
// reason code (4401 unauthorized, 4403 forbidden, 4404 unknown dialog,
// 4429 rate limited). The event stream answers with the HTTP status instead.
//
// # Connection Lifecycle
//
// An admitted connection is registered into its pool, receives a sync event
// with the dialog's current state, then runs its read and write loops in one
// errgroup. Either loop failing cancels the other, closes the socket, and
// unregisters the connection exactly once.
//
// Clients must ignore handoff events whose seq is not greater than the
// last_seq of the most recent sync event.
//
// # HTTP API
//
//	POST /api/tenants                      create tenant (admin or service)
//	PUT  /api/tenants/{id}/domains         replace allowed domains
//	POST /api/tenants/{id}/tokens          issue capability token
//	POST /api/dialogs                      create dialog
//	GET  /api/dialogs/{id}/handoff         current state and queue position
//	POST /api/dialogs/{id}/handoff         request handoff
//	POST /api/dialogs/{id}/takeover        operator takeover (force: admin)
//	POST /api/dialogs/{id}/release         operator release
//	POST /api/dialogs/{id}/cancel          cancel request or abort active
//	POST /api/dialogs/{id}/messages        push message for fan-out
//	GET  /api/dialogs/{id}/audit           audit entries after a seq
//	POST /api/operators/presence           set status and capacity
//	GET  /api/operators/presence           list presence
//	POST /api/operators/reconcile          recompute active chat counters
//	GET  /api/diagnostics/dialogs/{id}     pool membership and consistency
//	GET  /api/diagnostics/connections      aggregate connection counts
//	GET  /health, /health/ready            liveness and readiness
package gateway
