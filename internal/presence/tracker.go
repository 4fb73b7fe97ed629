// ABOUTME: Operator presence: heartbeats, status, per-channel capacity, and counter reconciliation
// ABOUTME: Capacity checks count assignments on demand; the cached counter is reconciled periodically

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// ErrInvalidStatus is returned for a status other than online, away, or offline.
var ErrInvalidStatus = errors.New("invalid presence status")

// Config holds tracker timing and defaults.
type Config struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	ReconcileInterval time.Duration
	DefaultCapacity   map[string]int
}

// Hooks observe tracker activity. Nil fields are skipped.
type Hooks struct {
	OnOffline func(operatorIDs []string)
	OnDrift   func(drifts []store.Drift)
}

// Tracker maintains operator presence rows.
type Tracker struct {
	store  *store.SQLiteStore
	cfg    Config
	hooks  Hooks
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a presence tracker.
func NewTracker(s *store.SQLiteStore, cfg Config, hooks Hooks, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 3
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	return &Tracker{
		store:  s,
		cfg:    cfg,
		hooks:  hooks,
		logger: logger.With("component", "presence"),
		now:    time.Now,
	}
}

// ParseStatus validates a status string.
func ParseStatus(s string) (store.PresenceStatus, error) {
	switch st := store.PresenceStatus(s); st {
	case store.PresenceOnline, store.PresenceAway, store.PresenceOffline:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// SetStatus records an operator's status and capacity. Channels missing from
// capacity fall back to the configured defaults.
func (t *Tracker) SetStatus(ctx context.Context, operatorID, tenantID string, status store.PresenceStatus, capacity map[string]int) (*store.OperatorPresence, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	merged := make(map[string]int, len(t.cfg.DefaultCapacity)+len(capacity))
	maps.Copy(merged, t.cfg.DefaultCapacity)
	maps.Copy(merged, capacity)

	p := &store.OperatorPresence{
		OperatorID:    operatorID,
		TenantID:      tenantID,
		Status:        status,
		LastHeartbeat: t.now().UTC(),
		Capacity:      merged,
	}
	if err := t.store.UpsertPresence(ctx, p); err != nil {
		return nil, err
	}

	t.logger.Info("operator presence set",
		"operator_id", operatorID,
		"tenant_id", tenantID,
		"status", status)
	return t.store.GetPresence(ctx, operatorID)
}

// Heartbeat records liveness for an operator, creating an online row with
// default capacity on first sight.
func (t *Tracker) Heartbeat(ctx context.Context, operatorID, tenantID string) error {
	err := t.store.TouchHeartbeat(ctx, operatorID, t.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		_, err = t.SetStatus(ctx, operatorID, tenantID, store.PresenceOnline, nil)
	}
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// Get returns an operator's presence.
func (t *Tracker) Get(ctx context.Context, operatorID string) (*store.OperatorPresence, error) {
	return t.store.GetPresence(ctx, operatorID)
}

// List returns presence rows for a tenant, optionally filtered by status.
func (t *Tracker) List(ctx context.Context, tenantID string, status store.PresenceStatus) ([]*store.OperatorPresence, error) {
	return t.store.ListPresence(ctx, tenantID, status)
}

// CapacityFor returns an operator's capacity on a channel, falling back to
// the configured default when the operator has no row or no entry.
func (t *Tracker) CapacityFor(p *store.OperatorPresence, channel string) int {
	if p != nil {
		if n, ok := p.Capacity[channel]; ok {
			return n
		}
	}
	return t.cfg.DefaultCapacity[channel]
}

// IsAvailable reports whether an operator may take dialogs. Operators who are
// away or offline may not; an operator with no presence row may.
func (t *Tracker) IsAvailable(ctx context.Context, q *store.Queries, operatorID string) (bool, error) {
	p, err := q.GetPresence(ctx, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status == store.PresenceOnline, nil
}

// HasCapacity reports whether an operator can take one more dialog on a
// channel. The current load is counted from dialog assignments inside q, so
// the answer is correct even if the cached counter has drifted.
func (t *Tracker) HasCapacity(ctx context.Context, q *store.Queries, operatorID, channel string) (bool, error) {
	p, err := q.GetPresence(ctx, operatorID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	limit := t.CapacityFor(p, channel)
	if limit <= 0 {
		return false, nil
	}

	active, err := q.CountActiveForOperator(ctx, operatorID, channel)
	if err != nil {
		return false, err
	}
	return active < limit, nil
}

// AvailableSlots sums the free capacity of a tenant's online operators on a
// channel. Used for queue wait estimates.
func (t *Tracker) AvailableSlots(ctx context.Context, q *store.Queries, tenantID, channel string) (online, free int, err error) {
	ops, err := q.ListPresence(ctx, tenantID, store.PresenceOnline)
	if err != nil {
		return 0, 0, err
	}
	counts, err := q.ActiveCountsByOperator(ctx, channel)
	if err != nil {
		return 0, 0, err
	}

	for _, p := range ops {
		limit := t.CapacityFor(p, channel)
		online += limit
		if n := limit - counts[p.OperatorID]; n > 0 {
			free += n
		}
	}
	return online, free, nil
}

// Sweep marks operators offline whose last heartbeat is older than
// MissedHeartbeats intervals.
func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	cutoff := t.now().UTC().Add(-time.Duration(t.cfg.MissedHeartbeats) * t.cfg.HeartbeatInterval)
	ids, err := t.store.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		t.logger.Info("operators marked offline", "count", len(ids), "operator_ids", ids)
		if t.hooks.OnOffline != nil {
			t.hooks.OnOffline(ids)
		}
	}
	return ids, nil
}

// Reconcile rewrites every cached active chat counter from dialog
// assignments and returns the corrections made.
func (t *Tracker) Reconcile(ctx context.Context) ([]store.Drift, error) {
	var drifts []store.Drift
	err := t.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		drifts, err = q.ReconcileActiveChats(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconciling active chats: %w", err)
	}

	for _, d := range drifts {
		t.logger.Warn("active chat counter drift corrected",
			"operator_id", d.OperatorID,
			"cached", d.Cached,
			"actual", d.Actual)
	}
	if len(drifts) > 0 && t.hooks.OnDrift != nil {
		t.hooks.OnDrift(drifts)
	}
	return drifts, nil
}

// Run sweeps stale operators every heartbeat interval and reconciles counters
// every reconcile interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	sweep := time.NewTicker(t.cfg.HeartbeatInterval)
	defer sweep.Stop()
	reconcile := time.NewTicker(t.cfg.ReconcileInterval)
	defer reconcile.Stop()

	t.logger.Debug("presence tracker started",
		"heartbeat_interval", t.cfg.HeartbeatInterval,
		"reconcile_interval", t.cfg.ReconcileInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if _, err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error("presence sweep failed", "error", err)
			}
		case <-reconcile.C:
			if _, err := t.Reconcile(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error("presence reconcile failed", "error", err)
			}
		}
	}
}
