// ABOUTME: Bounded per-connection outbound queue shared by websocket and stream transports
// ABOUTME: Send never blocks; Close records a reason code and releases the writer

package delivery

import (
	"sync"

	"github.com/2389/switchboard/internal/events"
)

// Close codes sent to clients. 4000-4999 is the application range.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseUnauthorized  = 4401
	CloseForbidden     = 4403
	CloseNotFound      = 4404
	CloseSlowConsumer  = 4408
	CloseRateLimited   = 4429
	CloseMissedPongs   = 4410
	CloseProtocolError = 4400
)

// Sender is a connection's outbound queue. The transport drains Events and
// exits when Done is closed.
type Sender struct {
	ch   chan events.Event
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	code   int
	reason string
}

// NewSender creates a queue holding up to buffer pending events.
func NewSender(buffer int) *Sender {
	if buffer <= 0 {
		buffer = 64
	}
	return &Sender{
		ch:   make(chan events.Event, buffer),
		done: make(chan struct{}),
	}
}

// Send queues ev. It returns false if the queue is full or closed.
func (s *Sender) Send(ev events.Event) bool {
	if s.Closed() {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Close marks the sender closed with a reason. Only the first call counts.
func (s *Sender) Close(code int, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.code, s.reason = code, reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Closed reports whether Close has been called.
func (s *Sender) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Events returns the queue for the transport writer.
func (s *Sender) Events() <-chan events.Event {
	return s.ch
}

// Done is closed when the sender is closed.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

// CloseReason returns the code and reason passed to Close, or zero values.
func (s *Sender) CloseReason() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.reason
}
