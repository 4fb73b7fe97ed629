// ABOUTME: Redis pub/sub bus: PUBLISH per dialog channel, PSUBSCRIBE across all dialogs
// ABOUTME: Re-establishes the pattern subscription with jittered backoff after disconnects

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/switchboard/internal/events"
)

// RedisBus bridges instances through Redis pub/sub.
type RedisBus struct {
	client redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

// NewRedisBus connects to Redis at addr and verifies connectivity.
func NewRedisBus(ctx context.Context, addr string, opts Options) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  -1, // subscriptions block indefinitely
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return NewRedisBusFromClient(client, opts), nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(client redis.UniversalClient, opts Options) *RedisBus {
	return &RedisBus{
		client: client,
		opts:   opts,
		logger: opts.logger("bus.redis"),
	}
}

// Publish sends the event on the dialog's channel.
func (b *RedisBus) Publish(ctx context.Context, dialogID string, ev events.Event) error {
	data, err := encode(dialogID, ev, b.opts.Source)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Channel(dialogID), data).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Subscribe pattern-subscribes to all dialog channels until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	bo := newBackoff()
	first := true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.subscribeOnce(ctx, handler, func() {
			if !first {
				b.opts.reconnected()
				b.logger.Info("redis subscription re-established", "pattern", Pattern)
			}
			first = false
			bo.reset()
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}

		wait := bo.next()
		b.logger.Warn("redis subscription lost, reconnecting", "error", err, "retry_in", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// subscribeOnce runs one subscription until it fails. ready is called once
// the subscription is confirmed.
func (b *RedisBus) subscribeOnce(ctx context.Context, handler Handler, ready func()) error {
	ps := b.client.PSubscribe(ctx, Pattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("confirming subscription: %w", err)
	}
	ready()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		dialogID, ok := DialogIDFromChannel(msg.Channel)
		if !ok {
			b.logger.Warn("ignoring message on unexpected channel", "channel", msg.Channel)
			continue
		}
		dispatch(ctx, b.logger, dialogID, []byte(msg.Payload), handler)
	}
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
