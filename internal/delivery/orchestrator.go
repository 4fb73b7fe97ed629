// ABOUTME: Fans dialog events from the bus out to operator, widget, and stream pools
// ABOUTME: Pools are pushed independently; slow connections are closed so they resync on reconnect

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/registry"
)

// SnapshotSource returns a dialog's current state for synchronization.
type SnapshotSource interface {
	Snapshot(ctx context.Context, dialogID string) (*events.Snapshot, error)
}

// Hooks observe delivery. Nil fields are skipped.
type Hooks struct {
	OnDelivered      func(pool string, sent bool)
	OnPublishFailure func(err error)
	OnDuplicate      func()
}

// Options configure an Orchestrator.
type Options struct {
	Logger *slog.Logger
	Hooks  Hooks
	// Dedupe drops repeated message ids. Nil disables deduplication.
	Dedupe *dedupe.Cache
}

// Orchestrator routes events to live connections.
type Orchestrator struct {
	registry  *registry.Registry
	bus       bus.Bus
	streams   *Streams
	snapshots SnapshotSource
	dedupe    *dedupe.Cache
	hooks     Hooks
	logger    *slog.Logger
}

// Report counts the outcome of one fan-out.
type Report struct {
	Operator PoolReport
	Widget   PoolReport
	Stream   PoolReport
}

// PoolReport counts pushes to one pool.
type PoolReport struct {
	Sent    int
	Dropped int

	// Closed counts connections that were already closing and were skipped.
	Closed int
}

// New creates an orchestrator.
func New(reg *registry.Registry, b bus.Bus, streams *Streams, snapshots SnapshotSource, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:  reg,
		bus:       b,
		streams:   streams,
		snapshots: snapshots,
		dedupe:    opts.Dedupe,
		hooks:     opts.Hooks,
		logger:    logger.With("component", "delivery"),
	}
}

// Run consumes the bus until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.bus.Subscribe(ctx, o.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) handle(_ context.Context, dialogID string, ev events.Event) error {
	o.Deliver(dialogID, ev)
	return nil
}

// Deliver records ev for replay and pushes it to every pool holding
// connections for the dialog. Each pool is handled on its own; an empty or
// failing pool does not affect the others.
func (o *Orchestrator) Deliver(dialogID string, ev events.Event) Report {
	o.streams.Append(ev)

	var r Report
	r.Operator = fanOut(o, o.registry.Operators, dialogID, ev)
	r.Widget = fanOut(o, o.registry.Widgets, dialogID, ev)
	r.Stream = fanOut(o, o.registry.Streams, dialogID, ev)

	o.logger.Debug("event delivered",
		"dialog_id", dialogID,
		"event_id", ev.ID,
		"type", ev.Type,
		"operator", r.Operator.Sent,
		"widget", r.Widget.Sent,
		"stream", r.Stream.Sent)
	return r
}

func fanOut[H registry.Handle](o *Orchestrator, pool *registry.Pool[H], dialogID string, ev events.Event) PoolReport {
	var pr PoolReport
	for _, h := range pool.Lookup(dialogID) {
		if h.Closed() {
			pr.Closed++
			continue
		}
		if h.Send(ev) {
			pr.Sent++
			pool.Touch(dialogID, h.ID(), ev.ID)
			o.delivered(string(pool.Class()), true)
			continue
		}
		// Closed between the check and the send; not a slow consumer.
		if h.Closed() {
			pr.Closed++
			continue
		}

		pr.Dropped++
		o.delivered(string(pool.Class()), false)
		o.logger.Warn("push dropped, closing slow connection",
			"pool", pool.Class(),
			"dialog_id", dialogID,
			"conn_id", h.ID(),
			"event_id", ev.ID)
		h.Close(CloseSlowConsumer, "send buffer full")
	}
	return pr
}

func (o *Orchestrator) delivered(pool string, sent bool) {
	if o.hooks.OnDelivered != nil {
		o.hooks.OnDelivered(pool, sent)
	}
}

// Publish validates ev and sends it on the bus. Bus failures are logged and
// reported through hooks; only invalid events return an error.
func (o *Orchestrator) Publish(ctx context.Context, dialogID string, ev events.Event) error {
	ev.DialogID = dialogID
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := o.bus.Publish(ctx, dialogID, ev); err != nil {
		o.logger.Warn("publish failed",
			"dialog_id", dialogID,
			"type", ev.Type,
			"error", err)
		if o.hooks.OnPublishFailure != nil {
			o.hooks.OnPublishFailure(err)
		}
	}
	return nil
}

// PublishMessage publishes a chat message. A message id already seen for
// the dialog within the dedupe window is acknowledged without publishing,
// and duplicate is true.
func (o *Orchestrator) PublishMessage(ctx context.Context, dialogID string, m events.Message) (duplicate bool, err error) {
	if m.Sender == "" {
		return false, fmt.Errorf("%w: message sender is required", events.ErrPayloadMismatch)
	}
	if o.dedupe != nil && o.dedupe.Seen(dialogID, m.MessageID) {
		o.logger.Debug("duplicate message dropped", "dialog_id", dialogID, "message_id", m.MessageID)
		if o.hooks.OnDuplicate != nil {
			o.hooks.OnDuplicate()
		}
		return true, nil
	}
	if err := o.Publish(ctx, dialogID, events.NewMessage(dialogID, m)); err != nil {
		if o.dedupe != nil {
			o.dedupe.Forget(dialogID, m.MessageID)
		}
		return false, err
	}
	return false, nil
}

// Resume returns the events a (re)connecting client receives before live
// delivery. With a last event id still in the replay buffer it is the
// missed events; otherwise it is a single sync event with current state.
func (o *Orchestrator) Resume(ctx context.Context, dialogID, lastEventID string) ([]events.Event, error) {
	if lastEventID != "" {
		if missed, ok := o.streams.Since(dialogID, lastEventID); ok {
			return missed, nil
		}
		o.logger.Debug("last event id not buffered, resyncing",
			"dialog_id", dialogID,
			"last_event_id", lastEventID)
	}

	snap, err := o.snapshots.Snapshot(ctx, dialogID)
	if err != nil {
		return nil, fmt.Errorf("loading dialog state: %w", err)
	}
	return []events.Event{events.NewSync(*snap)}, nil
}

// Sync returns a sync event with the dialog's current state.
func (o *Orchestrator) Sync(ctx context.Context, dialogID string) (events.Event, error) {
	evs, err := o.Resume(ctx, dialogID, "")
	if err != nil {
		return events.Event{}, err
	}
	return evs[0], nil
}
