// ABOUTME: Tests for operator presence tracking
// ABOUTME: Covers heartbeats, stale sweeps, capacity checks, and counter reconciliation

package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func setupTracker(t *testing.T) (*Tracker, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateTenant(context.Background(), &store.Tenant{ID: "t1", Name: "Shop", AllowedDomains: []string{"shop.com"}}))

	tr := NewTracker(s, Config{
		HeartbeatInterval: 10 * time.Second,
		MissedHeartbeats:  3,
		DefaultCapacity:   map[string]int{"web": 2, "telegram": 1},
	}, Hooks{}, nil)
	return tr, s
}

// assign puts a dialog into active state held by operatorID.
func assign(t *testing.T, s *store.SQLiteStore, dialogID, operatorID, channel string) {
	t.Helper()
	ctx := context.Background()
	d := &store.Dialog{ID: dialogID, TenantID: "t1", Channel: channel, AssistantID: "a", GuestID: "g-" + dialogID}
	require.NoError(t, s.CreateDialog(ctx, d))
	now := time.Now().UTC()
	d.Status = store.StatusActive
	d.OperatorID = operatorID
	d.RequestedAt = &now
	d.StartedAt = &now
	require.NoError(t, s.UpdateDialogState(ctx, d))
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"online", "away", "offline"} {
		st, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, store.PresenceStatus(s), st)
	}
	_, err := ParseStatus("busy")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTracker_SetStatusMergesDefaults(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	p, err := tr.SetStatus(ctx, "op-1", "t1", store.PresenceAway, map[string]int{"web": 7})
	require.NoError(t, err)
	assert.Equal(t, store.PresenceAway, p.Status)
	assert.Equal(t, 7, p.Capacity["web"])
	assert.Equal(t, 1, p.Capacity["telegram"])

	_, err = tr.SetStatus(ctx, "op-1", "t1", "busy", nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTracker_HeartbeatCreatesAndRevives(t *testing.T) {
	tr, s := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "op-1", "t1"))
	p, err := tr.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.PresenceOnline, p.Status)
	assert.Equal(t, 2, p.Capacity["web"])

	// swept for missed heartbeats, then a console pong arrives
	_, err = s.MarkStaleOffline(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, tr.Heartbeat(ctx, "op-1", "t1"))

	p, err = s.GetPresence(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.PresenceOnline, p.Status)
}

func TestTracker_HeartbeatKeepsChosenStatus(t *testing.T) {
	tr, s := setupTracker(t)
	ctx := context.Background()

	for _, status := range []store.PresenceStatus{store.PresenceOffline, store.PresenceAway} {
		_, err := tr.SetStatus(ctx, "op-1", "t1", status, nil)
		require.NoError(t, err)
		require.NoError(t, tr.Heartbeat(ctx, "op-1", "t1"))

		p, err := s.GetPresence(ctx, "op-1")
		require.NoError(t, err)
		assert.Equal(t, status, p.Status)
	}

	// a stale mark is cleared by an explicit status
	_, err := s.MarkStaleOffline(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	_, err = tr.SetStatus(ctx, "op-1", "t1", store.PresenceOffline, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Heartbeat(ctx, "op-1", "t1"))
	p, err := s.GetPresence(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.PresenceOffline, p.Status)
}

func TestTracker_IsAvailable(t *testing.T) {
	tr, s := setupTracker(t)
	ctx := context.Background()

	ok, err := tr.IsAvailable(ctx, s.Queries, "unknown")
	require.NoError(t, err)
	assert.True(t, ok)

	for status, want := range map[store.PresenceStatus]bool{
		store.PresenceOnline:  true,
		store.PresenceAway:    false,
		store.PresenceOffline: false,
	} {
		_, err := tr.SetStatus(ctx, "op-1", "t1", status, nil)
		require.NoError(t, err)
		ok, err := tr.IsAvailable(ctx, s.Queries, "op-1")
		require.NoError(t, err)
		assert.Equal(t, want, ok, string(status))
	}
}

func TestTracker_SweepMarksStaleOffline(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	var offline []string
	tr.hooks.OnOffline = func(ids []string) { offline = append(offline, ids...) }

	base := time.Now().UTC()
	tr.now = func() time.Time { return base.Add(-time.Minute) }
	require.NoError(t, tr.Heartbeat(ctx, "stale", "t1"))
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.Heartbeat(ctx, "fresh", "t1"))

	ids, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)
	assert.Equal(t, []string{"stale"}, offline)

	online, err := tr.List(ctx, "t1", store.PresenceOnline)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "fresh", online[0].OperatorID)
}

func TestTracker_HasCapacityCountsAssignments(t *testing.T) {
	tr, s := setupTracker(t)
	ctx := context.Background()

	_, err := tr.SetStatus(ctx, "op-1", "t1", store.PresenceOnline, map[string]int{"web": 1})
	require.NoError(t, err)

	ok, err := tr.HasCapacity(ctx, s.Queries, "op-1", "web")
	require.NoError(t, err)
	assert.True(t, ok)

	assign(t, s, "d1", "op-1", "web")

	ok, err = tr.HasCapacity(ctx, s.Queries, "op-1", "web")
	require.NoError(t, err)
	assert.False(t, ok, "cached counter is still 0 but the assignment count is 1")

	ok, err = tr.HasCapacity(ctx, s.Queries, "op-1", "telegram")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.HasCapacity(ctx, s.Queries, "unknown-op", "web")
	require.NoError(t, err)
	assert.True(t, ok, "operators without a row get the default capacity")

	ok, err = tr.HasCapacity(ctx, s.Queries, "unknown-op", "sms")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_AvailableSlots(t *testing.T) {
	tr, s := setupTracker(t)
	ctx := context.Background()

	_, err := tr.SetStatus(ctx, "op-1", "t1", store.PresenceOnline, map[string]int{"web": 3})
	require.NoError(t, err)
	_, err = tr.SetStatus(ctx, "op-2", "t1", store.PresenceOnline, map[string]int{"web": 2})
	require.NoError(t, err)
	_, err = tr.SetStatus(ctx, "op-3", "t1", store.PresenceAway, map[string]int{"web": 5})
	require.NoError(t, err)
	assign(t, s, "d1", "op-1", "web")
	assign(t, s, "d2", "op-2", "web")
	assign(t, s, "d3", "op-2", "web")

	total, free, err := tr.AvailableSlots(ctx, s.Queries, "t1", "web")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, free)
}

func TestTracker_AvailableSlotsPerChannel(t *testing.T) {
	tr, s := setupTracker(t)
	ctx := context.Background()

	_, err := tr.SetStatus(ctx, "op-1", "t1", store.PresenceOnline, map[string]int{"web": 2, "telegram": 2})
	require.NoError(t, err)
	assign(t, s, "d1", "op-1", "telegram")
	assign(t, s, "d2", "op-1", "telegram")
	assign(t, s, "d3", "op-1", "web")

	total, free, err := tr.AvailableSlots(ctx, s.Queries, "t1", "web")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, free)

	total, free, err = tr.AvailableSlots(ctx, s.Queries, "t1", "telegram")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Zero(t, free)
}

func TestTracker_ReconcileCorrectsDrift(t *testing.T) {
	tr, s := setupTracker(t)
	ctx := context.Background()

	var reported []store.Drift
	tr.hooks.OnDrift = func(d []store.Drift) { reported = d }

	_, err := tr.SetStatus(ctx, "op-1", "t1", store.PresenceOnline, nil)
	require.NoError(t, err)
	_, err = tr.SetStatus(ctx, "op-2", "t1", store.PresenceOnline, nil)
	require.NoError(t, err)

	assign(t, s, "d1", "op-1", "web")
	require.NoError(t, s.AdjustActiveChats(ctx, "op-2", 4))

	drifts, err := tr.Reconcile(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []store.Drift{
		{OperatorID: "op-1", Cached: 0, Actual: 1},
		{OperatorID: "op-2", Cached: 4, Actual: 0},
	}, drifts)
	assert.Len(t, reported, 2)

	p, err := tr.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ActiveChats)

	drifts, err = tr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestTracker_RunStopsOnCancel(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
