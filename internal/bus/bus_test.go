// ABOUTME: Shared bus behavior tests run against every backend
// ABOUTME: Memory always runs; Redis and AMQP run when a broker address is provided

package bus

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/events"
)

type received struct {
	dialogID string
	ev       events.Event
}

type recorder struct {
	mu  sync.Mutex
	got []received
}

func (r *recorder) handle(_ context.Context, dialogID string, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, received{dialogID, ev})
	return nil
}

func (r *recorder) snapshot() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

// startSubscriber runs Subscribe in the background and waits for it to attach.
func startSubscriber(t *testing.T, b Bus, h Handler, attached func() bool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Subscribe(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, attached, 5*time.Second, 10*time.Millisecond)
	return cancel
}

func runBusContract(t *testing.T, b Bus, attached func() bool) {
	rec := &recorder{}
	startSubscriber(t, b, rec.handle, attached)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "d1", events.NewMessage("", events.Message{Sender: "user", Text: "hello", MessageID: "m1"})))
	require.NoError(t, b.Publish(ctx, "d2", events.NewHandoff("", events.Handoff{Status: events.StatusRequested, Current: events.StatusRequested, Actor: "svc", Seq: 1})))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)

	got := rec.snapshot()
	byDialog := map[string]events.Event{}
	for _, r := range got {
		byDialog[r.dialogID] = r.ev
	}

	msg := byDialog["d1"]
	require.NotNil(t, msg.Message)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "d1", msg.DialogID)
	assert.Equal(t, "node-test", msg.Source)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	ho := byDialog["d2"]
	require.NotNil(t, ho.Handoff)
	assert.Equal(t, events.StatusRequested, ho.Status)
}

func TestMemoryBus_Contract(t *testing.T) {
	b := NewMemoryBus(Options{Source: "node-test"})
	defer b.Close()
	runBusContract(t, b, func() bool { return b.SubscriberCount() == 1 })
}

func TestRedisBus_Contract(t *testing.T) {
	addr := os.Getenv("SWITCHBOARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SWITCHBOARD_TEST_REDIS_ADDR not set")
	}
	b, err := NewRedisBus(context.Background(), addr, Options{Source: "node-test"})
	require.NoError(t, err)
	defer b.Close()

	// no subscriber count is exposed; give PSUBSCRIBE a moment
	start := time.Now()
	runBusContract(t, b, func() bool { return time.Since(start) > 200*time.Millisecond })
}

func TestAMQPBus_Contract(t *testing.T) {
	url := os.Getenv("SWITCHBOARD_TEST_AMQP_URL")
	if url == "" {
		t.Skip("SWITCHBOARD_TEST_AMQP_URL not set")
	}
	b, err := NewAMQPBus(url, "switchboard.test", Options{Source: "node-test"})
	require.NoError(t, err)
	defer b.Close()

	start := time.Now()
	runBusContract(t, b, func() bool { return time.Since(start) > 500*time.Millisecond })
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBus(Options{})
	defer b.Close()

	err := b.Publish(context.Background(), "d1", events.NewMessage("", events.Message{Text: "nobody home"}))
	assert.NoError(t, err)
}

func TestMemoryBus_HandlerErrorDoesNotStopLoop(t *testing.T) {
	b := NewMemoryBus(Options{})
	defer b.Close()

	var mu sync.Mutex
	calls := 0
	h := func(_ context.Context, _ string, ev events.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if ev.Text == "boom" {
			return errors.New("handler failed")
		}
		if ev.Text == "panic" {
			panic("handler panicked")
		}
		return nil
	}
	startSubscriber(t, b, h, func() bool { return b.SubscriberCount() == 1 })

	ctx := context.Background()
	for _, text := range []string{"boom", "panic", "ok"} {
		require.NoError(t, b.Publish(ctx, "d1", events.NewMessage("", events.Message{Text: text})))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBus_FanOutToEverySubscriber(t *testing.T) {
	b := NewMemoryBus(Options{})
	defer b.Close()

	r1, r2 := &recorder{}, &recorder{}
	startSubscriber(t, b, r1.handle, func() bool { return b.SubscriberCount() == 1 })
	startSubscriber(t, b, r2.handle, func() bool { return b.SubscriberCount() == 2 })

	require.NoError(t, b.Publish(context.Background(), "d1", events.NewMessage("", events.Message{Text: "x"})))

	require.Eventually(t, func() bool {
		return len(r1.snapshot()) == 1 && len(r2.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBus_UnsubscribeOnCancel(t *testing.T) {
	b := NewMemoryBus(Options{})
	defer b.Close()

	cancel := startSubscriber(t, b, (&recorder{}).handle, func() bool { return b.SubscriberCount() == 1 })
	cancel()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryBus_Closed(t *testing.T) {
	b := NewMemoryBus(Options{})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "d1", events.NewMessage("", events.Message{})), ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), (&recorder{}).handle), ErrClosed)
}

func TestPublish_RejectsInvalidEvents(t *testing.T) {
	b := NewMemoryBus(Options{})
	defer b.Close()

	assert.ErrorIs(t, b.Publish(context.Background(), "", events.NewMessage("", events.Message{})), events.ErrMissingDialog)
	assert.ErrorIs(t, b.Publish(context.Background(), "d1", events.Event{Type: events.TypeMessage}), events.ErrPayloadMismatch)
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "dialog:abc", Channel("abc"))

	id, ok := DialogIDFromChannel("dialog:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = DialogIDFromChannel("other:abc")
	assert.False(t, ok)
	_, ok = DialogIDFromChannel("dialog:")
	assert.False(t, ok)

	assert.Equal(t, "dialog.abc", RoutingKey("abc"))
}

func TestDispatch_DropsMismatchedDialog(t *testing.T) {
	data, err := events.Encode(Enrich("d2", events.NewMessage("", events.Message{Text: "x"}), "src"))
	require.NoError(t, err)

	called := false
	dispatch(context.Background(), NewMemoryBus(Options{}).logger, "d1", data, func(context.Context, string, events.Event) error {
		called = true
		return nil
	})
	assert.False(t, called)
}

func TestBackoff_Bounded(t *testing.T) {
	bo := newBackoff()
	for i := 0; i < 40; i++ {
		d := bo.next()
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, bo.max+time.Millisecond)
	}
	bo.reset()
	assert.LessOrEqual(t, bo.next(), bo.base+time.Millisecond)
}

func TestMemoryBus_DialogIDsWithSeparators(t *testing.T) {
	b := NewMemoryBus(Options{Source: "node-test"})
	defer b.Close()

	rec := &recorder{}
	startSubscriber(t, b, rec.handle, func() bool { return b.SubscriberCount() == 1 })

	ids := []string{"plain", "acme/42", "acme.42", "a:b"}
	for _, id := range ids {
		require.NoError(t, b.Publish(context.Background(), id, events.NewMessage("", events.Message{Sender: "user", Text: id})))
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == len(ids) }, 5*time.Second, 10*time.Millisecond)
	var got []string
	for _, r := range rec.snapshot() {
		got = append(got, r.dialogID)
		assert.Equal(t, r.dialogID, r.ev.Text)
	}
	assert.ElementsMatch(t, ids, got)
}

func TestAMQPRouting_SpansMultiWordKeys(t *testing.T) {
	// '*' matches exactly one topic word, so a dotted id needs '#'
	assert.Equal(t, "dialog.#", routingPattern)

	key := RoutingKey("acme.42")
	assert.Equal(t, "dialog.acme.42", key)
	id, ok := strings.CutPrefix(key, routingPrefix)
	require.True(t, ok)
	assert.Equal(t, "acme.42", id)
}
