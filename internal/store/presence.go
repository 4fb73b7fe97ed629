// ABOUTME: Operator presence rows: status, heartbeat, per-channel capacity, active chat counter
// ABOUTME: The counter is a cache; ReconcileActiveChats rewrites it from dialog assignments

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const presenceColumns = `operator_id, tenant_id, status, last_heartbeat, capacity_json, active_chats, updated_at`

// UpsertPresence inserts or updates an operator's presence. ActiveChats is
// preserved on update. An explicit status clears the stale mark.
func (q *Queries) UpsertPresence(ctx context.Context, p *OperatorPresence) error {
	now := time.Now().UTC()
	if p.LastHeartbeat.IsZero() {
		p.LastHeartbeat = now
	}
	p.UpdatedAt = now

	capacity := p.Capacity
	if capacity == nil {
		capacity = map[string]int{}
	}
	capJSON, err := json.Marshal(capacity)
	if err != nil {
		return fmt.Errorf("marshaling capacity: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO operator_presence (operator_id, tenant_id, status, last_heartbeat, capacity_json, active_chats, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(operator_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			status = excluded.status,
			stale = 0,
			last_heartbeat = excluded.last_heartbeat,
			capacity_json = excluded.capacity_json,
			updated_at = excluded.updated_at
	`, p.OperatorID, p.TenantID, string(p.Status), formatTime(p.LastHeartbeat), string(capJSON), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting presence: %w", err)
	}
	return nil
}

// TouchHeartbeat records a heartbeat. An operator the sweeper marked offline
// comes back online; a status the operator chose is kept.
func (q *Queries) TouchHeartbeat(ctx context.Context, operatorID string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE operator_presence SET
			last_heartbeat = ?,
			status = CASE WHEN status = 'offline' AND stale = 1 THEN 'online' ELSE status END,
			stale = 0,
			updated_at = ?
		WHERE operator_id = ?
	`, formatTime(at), formatTime(time.Now()), operatorID)
	if err != nil {
		return fmt.Errorf("touching heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPresence returns an operator's presence.
func (q *Queries) GetPresence(ctx context.Context, operatorID string) (*OperatorPresence, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+presenceColumns+` FROM operator_presence WHERE operator_id = ?`, operatorID)
	p, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPresence returns presence rows, optionally filtered by tenant and status.
func (q *Queries) ListPresence(ctx context.Context, tenantID string, status PresenceStatus) ([]*OperatorPresence, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+presenceColumns+` FROM operator_presence
		WHERE (? = '' OR tenant_id = ?) AND (? = '' OR status = ?)
		ORDER BY operator_id
	`, tenantID, tenantID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("listing presence: %w", err)
	}
	defer rows.Close()

	var out []*OperatorPresence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AdjustActiveChats adds delta to an operator's active chat counter, never
// going below zero. Missing operators are ignored.
func (q *Queries) AdjustActiveChats(ctx context.Context, operatorID string, delta int) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE operator_presence SET active_chats = MAX(0, active_chats + ?), updated_at = ?
		WHERE operator_id = ?
	`, delta, formatTime(time.Now()), operatorID)
	if err != nil {
		return fmt.Errorf("adjusting active chats: %w", err)
	}
	return nil
}

// MarkStaleOffline sets operators whose last heartbeat is before cutoff to
// offline, marks them stale, and returns their IDs.
func (q *Queries) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		UPDATE operator_presence SET status = 'offline', stale = 1, updated_at = ?
		WHERE status != 'offline' AND last_heartbeat < ?
		RETURNING operator_id
	`, formatTime(time.Now()), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("marking stale operators offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning operator id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Drift is one corrected active chat counter.
type Drift struct {
	OperatorID string
	Cached     int
	Actual     int
}

// ReconcileActiveChats rewrites every operator's active_chats from the count
// of active dialogs assigned to them and returns the rows that differed.
func (q *Queries) ReconcileActiveChats(ctx context.Context) ([]Drift, error) {
	actual, err := q.ActiveCountsByOperator(ctx, "")
	if err != nil {
		return nil, err
	}

	all, err := q.ListPresence(ctx, "", "")
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, p := range all {
		want := actual[p.OperatorID]
		if p.ActiveChats == want {
			continue
		}
		if _, err := q.q.ExecContext(ctx, `
			UPDATE operator_presence SET active_chats = ?, updated_at = ? WHERE operator_id = ?
		`, want, formatTime(time.Now()), p.OperatorID); err != nil {
			return nil, fmt.Errorf("correcting active chats: %w", err)
		}
		drifts = append(drifts, Drift{OperatorID: p.OperatorID, Cached: p.ActiveChats, Actual: want})
	}
	return drifts, nil
}

func scanPresence(scanner interface{ Scan(dest ...any) error }) (*OperatorPresence, error) {
	var p OperatorPresence
	var status, heartbeat, capJSON, updated string

	if err := scanner.Scan(&p.OperatorID, &p.TenantID, &status, &heartbeat, &capJSON, &p.ActiveChats, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning presence: %w", err)
	}
	p.Status = PresenceStatus(status)

	var err error
	if p.LastHeartbeat, err = parseTime(heartbeat); err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(capJSON), &p.Capacity); err != nil {
		return nil, fmt.Errorf("unmarshaling capacity: %w", err)
	}
	return &p, nil
}
