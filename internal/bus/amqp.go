// ABOUTME: RabbitMQ bus: topic exchange with one routing key per dialog
// ABOUTME: Each subscriber binds an exclusive queue to dialog.# and redials on connection loss

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/switchboard/internal/events"
)

// routingPrefix is the AMQP form of ChannelPrefix. Topic words are dot
// separated, so the binding uses '#' to match ids of any word count.
const (
	routingPrefix  = "dialog."
	routingPattern = routingPrefix + "#"
)

// AMQPBus bridges instances through a RabbitMQ topic exchange.
type AMQPBus struct {
	url      string
	exchange string
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// NewAMQPBus dials the broker and declares the exchange.
func NewAMQPBus(url, exchange string, opts Options) (*AMQPBus, error) {
	b := &AMQPBus{
		url:      url,
		exchange: exchange,
		opts:     opts,
		logger:   opts.logger("bus.amqp"),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// connectLocked (re)opens the publishing connection. Must hold b.mu.
func (b *AMQPBus) connectLocked() error {
	conn, ch, err := b.dial()
	if err != nil {
		return err
	}
	b.conn = conn
	b.pubCh = ch
	return nil
}

// dial opens a connection and channel with the exchange declared.
func (b *AMQPBus) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declaring exchange %s: %w", b.exchange, err)
	}
	return conn, ch, nil
}

// RoutingKey returns the topic routing key for a dialog.
func RoutingKey(dialogID string) string {
	return routingPrefix + dialogID
}

// Publish sends the event with the dialog's routing key. A dropped
// publishing connection is redialed once.
func (b *AMQPBus) Publish(ctx context.Context, dialogID string, ev events.Event) error {
	data, err := encode(dialogID, ev, b.opts.Source)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.conn == nil || b.conn.IsClosed() || b.pubCh == nil || b.pubCh.IsClosed() {
		if err := b.connectLocked(); err != nil {
			return err
		}
		b.logger.Info("amqp publisher reconnected")
	}

	err = b.pubCh.PublishWithContext(ctx, b.exchange, RoutingKey(dialogID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		AppId:        b.opts.Source,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("publishing to amqp: %w", err)
	}
	return nil
}

// Subscribe consumes all dialog events until ctx is done, redialing after
// connection or channel loss.
func (b *AMQPBus) Subscribe(ctx context.Context, handler Handler) error {
	bo := newBackoff()
	first := true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.isClosed() {
			return ErrClosed
		}

		err := b.consumeOnce(ctx, handler, func() {
			if !first {
				b.opts.reconnected()
				b.logger.Info("amqp subscription re-established", "binding", routingPattern)
			}
			first = false
			bo.reset()
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.next()
		b.logger.Warn("amqp subscription lost, reconnecting", "error", err, "retry_in", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (b *AMQPBus) consumeOnce(ctx context.Context, handler Handler, ready func()) error {
	conn, ch, err := b.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	// Exclusive, auto-deleted queue: every instance sees every event.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingPattern, b.exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	ready()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-connClosed:
			if amqpErr == nil {
				return fmt.Errorf("amqp connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp deliveries closed")
			}
			dialogID, ok := strings.CutPrefix(d.RoutingKey, routingPrefix)
			if !ok || dialogID == "" {
				b.logger.Warn("ignoring delivery with unexpected routing key", "routing_key", d.RoutingKey)
				continue
			}
			dispatch(ctx, b.logger, dialogID, d.Body, handler)
		}
	}
}

func (b *AMQPBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close closes the publishing connection. Running subscriptions end when
// their contexts are cancelled.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
