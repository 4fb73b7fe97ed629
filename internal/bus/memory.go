// ABOUTME: In-process bus implementation for single-instance deployments and tests
// ABOUTME: Non-blocking fan-out that drops events for subscribers whose buffers are full

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/events"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 256

type memoryMessage struct {
	channel string
	payload []byte
}

// MemoryBus delivers events to subscribers in the same process. Payloads are
// serialized exactly as on a broker so subscribers exercise the same parsing.
type MemoryBus struct {
	opts   Options
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]chan memoryMessage // subID -> ch
	closed      bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts Options) *MemoryBus {
	return &MemoryBus{
		opts:        opts,
		logger:      opts.logger("bus.memory"),
		subscribers: make(map[string]chan memoryMessage),
	}
}

// Publish sends the event to all current subscribers without blocking.
func (b *MemoryBus) Publish(_ context.Context, dialogID string, ev events.Event) error {
	data, err := encode(dialogID, ev, b.opts.Source)
	if err != nil {
		return err
	}
	msg := memoryMessage{channel: Channel(dialogID), payload: data}

	// Sends never block, so the read lock is held across them.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for subID, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"channel", msg.channel,
				"sub_id", subID)
		}
	}
	return nil
}

// Subscribe receives all dialog events until ctx is done or the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	subID := uuid.NewString()
	ch := make(chan memoryMessage, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()
	defer b.unsubscribe(subID)

	b.logger.Debug("subscriber added", "sub_id", subID, "pattern", Pattern)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			dialogID, ok := DialogIDFromChannel(msg.channel)
			if !ok {
				continue
			}
			dispatch(ctx, b.logger, dialogID, msg.payload, handler)
		}
	}
}

func (b *MemoryBus) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of active subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus and ends all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.logger.Debug("bus closed")
	return nil
}
