// ABOUTME: Dialog persistence: creation, handoff state updates, and queue queries
// ABOUTME: Queue position and operator load are computed on demand from dialog rows

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const dialogColumns = `id, tenant_id, channel, assistant_id, guest_id, status, operator_id, request_id,
	reason, last_user_text, requested_at, started_at, resolved_at, created_at, updated_at`

// CreateDialog inserts a dialog in status none.
func (q *Queries) CreateDialog(ctx context.Context, d *Dialog) error {
	now := time.Now().UTC()
	if d.Status == "" {
		d.Status = StatusNone
	}
	if d.Channel == "" {
		d.Channel = "web"
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO dialogs (id, tenant_id, channel, assistant_id, guest_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TenantID, d.Channel, d.AssistantID, d.GuestID, d.Status, formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("dialog %s: %w", d.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting dialog: %w", err)
	}
	return nil
}

// GetDialog returns a dialog by ID.
func (q *Queries) GetDialog(ctx context.Context, id string) (*Dialog, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+dialogColumns+` FROM dialogs WHERE id = ?`, id)
	d, err := scanDialog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// UpdateDialogState writes the handoff fields of a dialog.
func (q *Queries) UpdateDialogState(ctx context.Context, d *Dialog) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `
		UPDATE dialogs SET
			status = ?, operator_id = ?, request_id = ?, reason = ?, last_user_text = ?,
			requested_at = ?, started_at = ?, resolved_at = ?, updated_at = ?
		WHERE id = ?
	`, d.Status, nullString(d.OperatorID), nullString(d.RequestID), d.Reason, d.LastUserText,
		formatTimePtr(d.RequestedAt), formatTimePtr(d.StartedAt), formatTimePtr(d.ResolvedAt),
		formatTime(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("updating dialog: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueuePosition returns the 1-based FIFO position of a requested dialog
// among its tenant's requested dialogs on the same channel. Returns 0 if d is
// not requested.
func (q *Queries) QueuePosition(ctx context.Context, d *Dialog) (int, error) {
	if d.Status != StatusRequested || d.RequestedAt == nil {
		return 0, nil
	}
	at := formatTime(*d.RequestedAt)

	var ahead int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dialogs
		WHERE tenant_id = ? AND channel = ? AND status = 'requested' AND id != ?
		  AND (requested_at < ? OR (requested_at = ? AND id < ?))
	`, d.TenantID, d.Channel, d.ID, at, at, d.ID).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return ahead + 1, nil
}

// ListDialogsByStatus returns a tenant's dialogs in the given status, oldest
// request first. An empty tenantID lists across tenants.
func (q *Queries) ListDialogsByStatus(ctx context.Context, tenantID, status string, limit int) ([]*Dialog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+dialogColumns+` FROM dialogs
		WHERE (? = '' OR tenant_id = ?) AND status = ?
		ORDER BY requested_at, id
		LIMIT ?
	`, tenantID, tenantID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dialogs: %w", err)
	}
	defer rows.Close()

	var out []*Dialog
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountActiveForOperator counts dialogs an operator currently holds on a
// channel. An empty channel counts all channels.
func (q *Queries) CountActiveForOperator(ctx context.Context, operatorID, channel string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dialogs
		WHERE operator_id = ? AND status = 'active' AND (? = '' OR channel = ?)
	`, operatorID, channel, channel).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active dialogs: %w", err)
	}
	return n, nil
}

// ActiveCountsByOperator returns the number of active dialogs per operator on
// a channel. An empty channel counts all channels.
func (q *Queries) ActiveCountsByOperator(ctx context.Context, channel string) (map[string]int, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT operator_id, COUNT(*) FROM dialogs
		WHERE status = 'active' AND operator_id IS NOT NULL AND (? = '' OR channel = ?)
		GROUP BY operator_id
	`, channel, channel)
	if err != nil {
		return nil, fmt.Errorf("counting active dialogs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var op string
		var n int
		if err := rows.Scan(&op, &n); err != nil {
			return nil, fmt.Errorf("scanning active count: %w", err)
		}
		counts[op] = n
	}
	return counts, rows.Err()
}

func scanDialog(scanner interface{ Scan(dest ...any) error }) (*Dialog, error) {
	var d Dialog
	var operatorID, requestID sql.NullString
	var requestedAt, startedAt, resolvedAt *string
	var created, updated string

	if err := scanner.Scan(
		&d.ID, &d.TenantID, &d.Channel, &d.AssistantID, &d.GuestID, &d.Status,
		&operatorID, &requestID, &d.Reason, &d.LastUserText,
		&requestedAt, &startedAt, &resolvedAt, &created, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning dialog: %w", err)
	}
	d.OperatorID = operatorID.String
	d.RequestID = requestID.String

	var err error
	if d.RequestedAt, err = parseTimePtr(requestedAt); err != nil {
		return nil, fmt.Errorf("parsing requested_at: %w", err)
	}
	if d.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if d.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
