// ABOUTME: Handoff state machine: request, takeover, release, cancel with an append-only audit trail
// ABOUTME: Transitions on one dialog are serialized; notifications are published after commit

package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/store"
)

// Transition errors. ErrAlreadyRequested, ErrNotAssigned,
// ErrOperatorUnavailable, and ErrOperatorAtCapacity all wrap ErrInvalidTransition.
var (
	ErrInvalidTransition   = errors.New("invalid handoff transition")
	ErrDialogNotFound      = errors.New("dialog not found")
	ErrOperatorAtCapacity  = fmt.Errorf("%w: operator at capacity", ErrInvalidTransition)
	ErrOperatorUnavailable = fmt.Errorf("%w: operator is not online", ErrInvalidTransition)
	ErrNotAssigned         = fmt.Errorf("%w: dialog not held by operator", ErrInvalidTransition)
	ErrAlreadyRequested    = fmt.Errorf("%w: handoff already in progress", ErrInvalidTransition)
	ErrMissingOperator     = errors.New("operator id is required")
)

const publishTimeout = 5 * time.Second

// Publisher sends transition events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, dialogID string, ev events.Event) error
}

// Hooks observe transitions. Nil fields are skipped.
type Hooks struct {
	OnTransition     func(from, to string)
	OnPublishFailure func(err error)
}

// Config holds queue estimation settings.
type Config struct {
	// AvgHandleTime is the expected time an operator spends on one dialog.
	AvgHandleTime time.Duration
}

// Machine runs handoff transitions against the store.
type Machine struct {
	store     *store.SQLiteStore
	presence  *presence.Tracker
	publisher Publisher
	cfg       Config
	hooks     Hooks
	locks     *keyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// NewMachine creates a handoff state machine. publisher may be nil.
func NewMachine(s *store.SQLiteStore, tracker *presence.Tracker, publisher Publisher, cfg Config, hooks Hooks, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AvgHandleTime <= 0 {
		cfg.AvgHandleTime = 5 * time.Minute
	}
	return &Machine{
		store:     s,
		presence:  tracker,
		publisher: publisher,
		cfg:       cfg,
		hooks:     hooks,
		locks:     newKeyedMutex(),
		logger:    logger.With("component", "handoff"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Result is the dialog state after a transition call.
type Result struct {
	events.Snapshot
	// Replayed is true when the call was an idempotent repeat and nothing changed.
	Replayed bool `json:"replayed"`
}

// RequestParams are the inputs to Request.
type RequestParams struct {
	DialogID     string
	Reason       string
	RequestID    string
	LastUserText string
	Actor        string
}

// TakeoverParams are the inputs to Takeover.
type TakeoverParams struct {
	DialogID   string
	OperatorID string
	// Force allows reassigning an active dialog to another operator.
	Force bool
	Actor string
}

// transition is one accepted state change, ready to audit and publish.
type transition struct {
	dialog    *store.Dialog
	from      string
	to        string // audit target; may be released or cancelled
	actor     string
	reason    string
	requestID string // shared by every entry of one handoff cycle
	extra     map[string]any
}

// Request moves a dialog from none to requested. While a handoff is already
// requested or active, and for any request id this dialog has seen before,
// it returns the current state without change.
func (m *Machine) Request(ctx context.Context, p RequestParams) (*Result, error) {
	if p.RequestID == "" {
		p.RequestID = uuid.NewString()
	}
	if p.Actor == "" {
		p.Actor = "assistant"
	}

	return m.apply(ctx, p.DialogID, func(q *store.Queries, d *store.Dialog) (*transition, error) {
		if d.Status == store.StatusRequested || d.Status == store.StatusActive {
			return nil, nil
		}
		if _, err := q.FindAuditByRequestID(ctx, d.ID, p.RequestID); err == nil {
			return nil, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		now := m.now()
		d.Status = store.StatusRequested
		d.OperatorID = ""
		d.RequestID = p.RequestID
		d.Reason = p.Reason
		d.LastUserText = p.LastUserText
		d.RequestedAt = &now
		d.StartedAt = nil
		d.ResolvedAt = nil

		extra := map[string]any{}
		if p.LastUserText != "" {
			extra["last_user_text"] = p.LastUserText
		}
		return &transition{dialog: d, from: store.StatusNone, to: store.StatusRequested, actor: p.Actor, reason: p.Reason, requestID: p.RequestID, extra: extra}, nil
	})
}

// Takeover assigns a requested dialog to an operator. An active dialog can
// only be reassigned with Force. Taking over a dialog the operator already
// holds is a no-op.
func (m *Machine) Takeover(ctx context.Context, p TakeoverParams) (*Result, error) {
	if p.OperatorID == "" {
		return nil, ErrMissingOperator
	}
	if p.Actor == "" {
		p.Actor = p.OperatorID
	}

	return m.apply(ctx, p.DialogID, func(q *store.Queries, d *store.Dialog) (*transition, error) {
		extra := map[string]any{"operator_id": p.OperatorID}
		previous := ""

		switch d.Status {
		case store.StatusRequested:
		case store.StatusActive:
			if d.OperatorID == p.OperatorID {
				return nil, nil
			}
			if !p.Force {
				return nil, fmt.Errorf("%w: dialog %s is held by another operator", ErrInvalidTransition, d.ID)
			}
			previous = d.OperatorID
			extra["previous_operator_id"] = previous
			extra["forced"] = true
		default:
			return nil, fmt.Errorf("%w: takeover from %s", ErrInvalidTransition, d.Status)
		}

		available, err := m.presence.IsAvailable(ctx, q, p.OperatorID)
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, ErrOperatorUnavailable
		}
		ok, err := m.presence.HasCapacity(ctx, q, p.OperatorID, d.Channel)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrOperatorAtCapacity
		}

		from := d.Status
		now := m.now()
		d.Status = store.StatusActive
		d.OperatorID = p.OperatorID
		d.StartedAt = &now

		if previous != "" {
			if err := q.AdjustActiveChats(ctx, previous, -1); err != nil {
				return nil, err
			}
		}
		if err := q.AdjustActiveChats(ctx, p.OperatorID, +1); err != nil {
			return nil, err
		}
		return &transition{dialog: d, from: from, to: store.StatusActive, actor: p.Actor, reason: d.Reason, requestID: d.RequestID, extra: extra}, nil
	})
}

// Release returns an active dialog held by operatorID to the assistant.
func (m *Machine) Release(ctx context.Context, dialogID, operatorID string) (*Result, error) {
	if operatorID == "" {
		return nil, ErrMissingOperator
	}
	return m.apply(ctx, dialogID, func(q *store.Queries, d *store.Dialog) (*transition, error) {
		if d.Status != store.StatusActive {
			return nil, fmt.Errorf("%w: release from %s", ErrInvalidTransition, d.Status)
		}
		if d.OperatorID != operatorID {
			return nil, ErrNotAssigned
		}
		if err := q.AdjustActiveChats(ctx, operatorID, -1); err != nil {
			return nil, err
		}
		requestID := d.RequestID
		m.resolve(d)
		return &transition{
			dialog:    d,
			from:      store.StatusActive,
			to:        events.StatusReleased,
			actor:     operatorID,
			requestID: requestID,
			extra:     map[string]any{"operator_id": operatorID},
		}, nil
	})
}

// Cancel aborts a requested or active handoff.
func (m *Machine) Cancel(ctx context.Context, dialogID, actor, reason string) (*Result, error) {
	if actor == "" {
		actor = "system"
	}
	return m.apply(ctx, dialogID, func(q *store.Queries, d *store.Dialog) (*transition, error) {
		extra := map[string]any{}
		switch d.Status {
		case store.StatusRequested:
		case store.StatusActive:
			extra["operator_id"] = d.OperatorID
			if err := q.AdjustActiveChats(ctx, d.OperatorID, -1); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, d.Status)
		}
		from, requestID := d.Status, d.RequestID
		m.resolve(d)
		return &transition{dialog: d, from: from, to: events.StatusCancelled, actor: actor, reason: reason, requestID: requestID, extra: extra}, nil
	})
}

func (m *Machine) resolve(d *store.Dialog) {
	now := m.now()
	d.Status = store.StatusNone
	d.OperatorID = ""
	d.RequestID = ""
	d.ResolvedAt = &now
}

// apply runs guard under the dialog lock inside one transaction. A nil
// transition from guard means the call is an idempotent repeat.
func (m *Machine) apply(ctx context.Context, dialogID string, guard func(q *store.Queries, d *store.Dialog) (*transition, error)) (*Result, error) {
	unlock := m.locks.Lock(dialogID)
	defer unlock()

	var (
		tr    *transition
		entry store.HandoffAuditEntry
		snap  events.Snapshot
	)
	err := m.store.InTx(ctx, func(q *store.Queries) error {
		d, err := q.GetDialog(ctx, dialogID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDialogNotFound, dialogID)
		}
		if err != nil {
			return err
		}

		tr, err = guard(q, d)
		if err != nil {
			return err
		}
		if tr != nil {
			if err := q.UpdateDialogState(ctx, d); err != nil {
				return err
			}
			entry = store.HandoffAuditEntry{
				DialogID:   d.ID,
				FromStatus: tr.from,
				ToStatus:   tr.to,
				Actor:      tr.actor,
				Reason:     tr.reason,
				RequestID:  tr.requestID,
				Extra:      tr.extra,
			}
			if err := q.AppendHandoffAudit(ctx, &entry); err != nil {
				return err
			}
		}

		snap, err = m.snapshot(ctx, q, d)
		return err
	})
	if err != nil {
		return nil, err
	}

	if tr == nil {
		return &Result{Snapshot: snap, Replayed: true}, nil
	}

	m.logger.Info("handoff transition",
		"dialog_id", dialogID,
		"from", tr.from,
		"to", tr.to,
		"seq", entry.Seq,
		"actor", tr.actor)
	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(tr.from, tr.to)
	}

	m.notify(ctx, events.NewHandoff(dialogID, events.Handoff{
		Status:     tr.to,
		Current:    tr.dialog.Status,
		Reason:     tr.reason,
		Actor:      tr.actor,
		Seq:        entry.Seq,
		OperatorID: tr.dialog.OperatorID,
		Extra:      tr.extra,
	}))
	return &Result{Snapshot: snap}, nil
}

// notify publishes a committed transition. Failures are logged and never
// reach the caller.
func (m *Machine) notify(ctx context.Context, ev events.Event) {
	if m.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := m.publisher.Publish(pubCtx, ev.DialogID, ev); err != nil {
		m.logger.Warn("handoff notification failed",
			"dialog_id", ev.DialogID,
			"status", ev.Handoff.Status,
			"error", err)
		if m.hooks.OnPublishFailure != nil {
			m.hooks.OnPublishFailure(err)
		}
	}
}

// Snapshot returns a dialog's current handoff state, including queue
// position and estimated wait when requested.
func (m *Machine) Snapshot(ctx context.Context, dialogID string) (*events.Snapshot, error) {
	d, err := m.store.GetDialog(ctx, dialogID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDialogNotFound, dialogID)
	}
	if err != nil {
		return nil, err
	}
	snap, err := m.snapshot(ctx, m.store.Queries, d)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *Machine) snapshot(ctx context.Context, q *store.Queries, d *store.Dialog) (events.Snapshot, error) {
	seq, err := q.LastSeq(ctx, d.ID)
	if err != nil {
		return events.Snapshot{}, err
	}
	s := events.Snapshot{
		DialogID:    d.ID,
		Status:      d.Status,
		OperatorID:  d.OperatorID,
		LastSeq:     seq,
		RequestedAt: d.RequestedAt,
		StartedAt:   d.StartedAt,
		ResolvedAt:  d.ResolvedAt,
	}
	if d.Status != store.StatusRequested {
		return s, nil
	}

	pos, err := q.QueuePosition(ctx, d)
	if err != nil {
		return events.Snapshot{}, err
	}
	total, free, err := m.presence.AvailableSlots(ctx, q, d.TenantID, d.Channel)
	if err != nil {
		return events.Snapshot{}, err
	}
	s.QueuePosition = pos
	s.EstimatedWait = EstimateWait(pos, total, free, m.cfg.AvgHandleTime).Seconds()
	return s, nil
}

// EstimateWait approximates how long the dialog at queue position pos waits.
// Free slots absorb the head of the queue; the rest drains in rounds of total
// slots, one average handle time per round. With no online capacity every
// dialog ahead counts as a full round.
func EstimateWait(pos, total, free int, avg time.Duration) time.Duration {
	if pos <= 0 || pos <= free {
		return 0
	}
	waiting := pos - free
	if total <= 0 {
		return time.Duration(waiting) * avg
	}
	rounds := math.Ceil(float64(waiting) / float64(total))
	return time.Duration(rounds) * avg
}

// Audit returns a dialog's audit entries with seq greater than afterSeq.
func (m *Machine) Audit(ctx context.Context, dialogID string, afterSeq int64, limit int) ([]store.HandoffAuditEntry, error) {
	if _, err := m.store.GetDialog(ctx, dialogID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDialogNotFound, dialogID)
		}
		return nil, err
	}
	return m.store.ListHandoffAudit(ctx, dialogID, afterSeq, limit)
}

// IsGuardViolation reports whether err is a rejected transition rather than
// an infrastructure failure.
func IsGuardViolation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrMissingOperator)
}
