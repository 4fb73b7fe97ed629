// ABOUTME: Cross-process publish/subscribe port with one logical channel per dialog
// ABOUTME: Shared envelope enrichment, channel naming, dispatch, and reconnect backoff

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/events"
)

// ChannelPrefix namespaces dialog channels; Pattern spans all of them.
const (
	ChannelPrefix = "dialog:"
	Pattern       = ChannelPrefix + "*"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives one event for one dialog. Returned errors are logged and
// do not stop the subscription.
type Handler func(ctx context.Context, dialogID string, ev events.Event) error

// Bus fans dialog events out to every subscriber, possibly in other processes.
// Delivery is best-effort: ordering and backfill come from the audit trail.
type Bus interface {
	// Publish enriches and sends ev on the dialog's channel. Having no
	// subscribers is not an error.
	Publish(ctx context.Context, dialogID string, ev events.Event) error
	// Subscribe receives events for all dialogs until ctx is done,
	// reconnecting after broker failures.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// Options are common to every backend.
type Options struct {
	// Source tags published events with the emitting instance.
	Source string
	Logger *slog.Logger
	// OnReconnect is called each time a subscription is re-established.
	OnReconnect func()
}

func (o Options) logger(component string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

func (o Options) reconnected() {
	if o.OnReconnect != nil {
		o.OnReconnect()
	}
}

// Channel returns the channel name for a dialog.
func Channel(dialogID string) string {
	return ChannelPrefix + dialogID
}

// DialogIDFromChannel extracts the dialog id from a channel name.
func DialogIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Enrich stamps the server timestamp, dialog id, source tag, and an event id.
func Enrich(dialogID string, ev events.Event, source string) events.Event {
	ev.DialogID = dialogID
	ev.Timestamp = time.Now().UTC()
	ev.Source = source
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev
}

// encode enriches and serializes an event for publishing.
func encode(dialogID string, ev events.Event, source string) ([]byte, error) {
	if dialogID == "" {
		return nil, events.ErrMissingDialog
	}
	data, err := events.Encode(Enrich(dialogID, ev, source))
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return data, nil
}

// dispatch parses one envelope and invokes the handler. It never panics or
// returns: every failure is logged against the event.
func dispatch(ctx context.Context, logger *slog.Logger, dialogID string, payload []byte, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus handler panicked", "dialog_id", dialogID, "panic", r)
		}
	}()

	ev, err := events.Decode(payload)
	if err != nil {
		logger.Warn("dropping malformed bus event", "dialog_id", dialogID, "error", err)
		return
	}
	if ev.DialogID != dialogID {
		logger.Warn("dropping bus event with mismatched dialog",
			"channel_dialog_id", dialogID,
			"event_dialog_id", ev.DialogID)
		return
	}

	if err := h(ctx, dialogID, ev); err != nil {
		logger.Warn("bus handler failed",
			"dialog_id", dialogID,
			"event_id", ev.ID,
			"type", ev.Type,
			"error", err)
	}
}

// backoff is capped exponential delay with full jitter.
type backoff struct {
	base, max time.Duration
	attempt   int
}

func newBackoff() *backoff {
	return &backoff{base: 200 * time.Millisecond, max: 30 * time.Second}
}

func (b *backoff) next() time.Duration {
	d := b.base << min(b.attempt, 16)
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempt++
	return time.Duration(rand.Int64N(int64(d))) + time.Millisecond
}

func (b *backoff) reset() {
	b.attempt = 0
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
