// ABOUTME: Tests for the per-dialog connection pools
// ABOUTME: Covers idempotent registration, isolation between pools, and status reporting

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/events"
)

type fakeSink struct {
	mu     sync.Mutex
	sent   []events.Event
	closed int
	code   int
}

func (s *fakeSink) Send(ev events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ev)
	return true
}

func (s *fakeSink) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.code = code
}

func (s *fakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}

func TestPool_RegisterIdempotent(t *testing.T) {
	var deltas []int
	r := New(Options{OnChange: func(c Class, d int) {
		assert.Equal(t, ClassOperator, c)
		deltas = append(deltas, d)
	}})

	op := NewOperatorConn(&fakeSink{}, Metadata{ConnID: "c1", DialogID: "d1", Identity: "op-1"})
	r.Operators.Register(op)
	r.Operators.Register(op)

	assert.Len(t, r.Operators.Lookup("d1"), 1)
	assert.Equal(t, []int{1}, deltas)

	r.Operators.Unregister(op)
	r.Operators.Unregister(op)
	assert.Empty(t, r.Operators.Lookup("d1"))
	assert.Equal(t, []int{1, -1}, deltas)
}

func TestPool_UnregisterUnknownDialog(t *testing.T) {
	r := New(Options{})
	w := NewWidgetConn(&fakeSink{}, Metadata{ConnID: "w1", DialogID: "missing"})
	r.Widgets.Unregister(w)
	assert.Equal(t, Totals{}, r.Totals())
}

func TestRegistry_PoolsAreIndependent(t *testing.T) {
	r := New(Options{})

	r.Operators.Register(NewOperatorConn(&fakeSink{}, Metadata{ConnID: "o1", DialogID: "d1"}))
	r.Widgets.Register(NewWidgetConn(&fakeSink{}, Metadata{ConnID: "w1", DialogID: "d1"}))
	r.Widgets.Register(NewWidgetConn(&fakeSink{}, Metadata{ConnID: "w2", DialogID: "d1"}))
	r.Streams.Register(NewStreamConn(&fakeSink{}, Metadata{ConnID: "s1", DialogID: "d2"}))

	assert.Len(t, r.Operators.Lookup("d1"), 1)
	assert.Len(t, r.Widgets.Lookup("d1"), 2)
	assert.Empty(t, r.Streams.Lookup("d1"))
	assert.Len(t, r.Streams.Lookup("d2"), 1)

	assert.Equal(t, Totals{Operator: 1, Widget: 2, Stream: 1, Dialogs: 2}, r.Totals())
}

func TestRegistry_Status(t *testing.T) {
	r := New(Options{})
	r.Operators.Register(NewOperatorConn(&fakeSink{}, Metadata{ConnID: "o1", DialogID: "d1", Identity: "op-1"}))
	r.Widgets.Register(NewWidgetConn(&fakeSink{}, Metadata{ConnID: "w1", DialogID: "d1", Domain: "shop.example.com"}))

	s := r.Status("d1")
	assert.True(t, s.Consistent)
	assert.Equal(t, 1, s.Operator.Handles)
	assert.Equal(t, 1, s.Operator.Metadata)
	assert.Equal(t, 1, s.Widget.Handles)
	assert.Equal(t, 0, s.Stream.Handles)
	require.Len(t, s.Widget.Conns, 1)
	assert.Equal(t, "shop.example.com", s.Widget.Conns[0].Domain)
	assert.False(t, s.Widget.Conns[0].ConnectedAt.IsZero())
}

func TestPool_Touch(t *testing.T) {
	r := New(Options{})
	s := NewStreamConn(&fakeSink{}, Metadata{ConnID: "s1", DialogID: "d1"})
	r.Streams.Register(s)

	r.Streams.Touch("d1", "s1", "evt-9")
	r.Streams.Touch("d1", "nope", "evt-10")

	st := r.Streams.Status("d1")
	require.Len(t, st.Conns, 1)
	assert.Equal(t, "evt-9", st.Conns[0].LastEventID)
	assert.True(t, st.Consistent)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := New(Options{})
	a, b := &fakeSink{}, &fakeSink{}
	r.Operators.Register(NewOperatorConn(a, Metadata{ConnID: "o1", DialogID: "d1"}))
	r.Widgets.Register(NewWidgetConn(b, Metadata{ConnID: "w1", DialogID: "d2"}))

	r.CloseAll(1001, "shutting down")
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1001, b.code)
}

func TestPool_ConcurrentRegister(t *testing.T) {
	r := New(Options{})
	var wg sync.WaitGroup
	conns := make([]*WidgetConn, 50)
	for i := range conns {
		conns[i] = NewWidgetConn(&fakeSink{}, Metadata{ConnID: string(rune('a' + i)), DialogID: "d1"})
	}
	for _, c := range conns {
		wg.Add(2)
		go func() { defer wg.Done(); r.Widgets.Register(c) }()
		go func() { defer wg.Done(); _ = r.Widgets.Lookup("d1") }()
	}
	wg.Wait()

	s := r.Widgets.Status("d1")
	assert.Equal(t, 50, s.Handles)
	assert.True(t, s.Consistent)

	for _, c := range conns {
		r.Widgets.Unregister(c)
	}
	assert.Equal(t, Totals{}, r.Totals())
}
