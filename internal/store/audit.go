// ABOUTME: Append-only handoff audit trail with per-dialog sequence numbers
// ABOUTME: Durable record of every accepted transition, used for backfill and resync

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AppendHandoffAudit appends an entry with the next seq for its dialog and
// sets e.Seq, e.ID and e.CreatedAt. Call inside InTx so the seq read and the
// insert are atomic.
func (q *Queries) AppendHandoffAudit(ctx context.Context, e *HandoffAuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var extraJSON *string
	if e.Extra != nil {
		data, err := json.Marshal(e.Extra)
		if err != nil {
			return fmt.Errorf("marshaling audit extra: %w", err)
		}
		str := string(data)
		extraJSON = &str
	}

	last, err := q.LastSeq(ctx, e.DialogID)
	if err != nil {
		return err
	}
	e.Seq = last + 1

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO handoff_audit (dialog_id, seq, from_status, to_status, actor, reason, request_id, extra_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.DialogID, e.Seq, e.FromStatus, e.ToStatus, e.Actor, e.Reason, nullString(e.RequestID), extraJSON, formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("dialog %s seq %d: %w", e.DialogID, e.Seq, ErrSeqConflict)
		}
		return fmt.Errorf("inserting handoff audit entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()

	q.logger.Debug("appended handoff audit",
		"dialog_id", e.DialogID,
		"seq", e.Seq,
		"from", e.FromStatus,
		"to", e.ToStatus,
		"actor", e.Actor,
	)
	return nil
}

// LastSeq returns the highest seq recorded for a dialog, or 0.
func (q *Queries) LastSeq(ctx context.Context, dialogID string) (int64, error) {
	var last int64
	err := q.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM handoff_audit WHERE dialog_id = ?
	`, dialogID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reading last seq: %w", err)
	}
	return last, nil
}

// ListHandoffAudit returns entries with seq > afterSeq in seq order.
// limit defaults to 100 and is capped at 1000.
func (q *Queries) ListHandoffAudit(ctx context.Context, dialogID string, afterSeq int64, limit int) ([]HandoffAuditEntry, error) {
	rows, err := q.q.QueryContext(ctx, handoffAuditQuery+`
		WHERE dialog_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, dialogID, afterSeq, normalizeAuditLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying handoff audit: %w", err)
	}
	defer rows.Close()

	var entries []HandoffAuditEntry
	for rows.Next() {
		e, err := scanHandoffAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindAuditByRequestID returns the most recent entry for a dialog carrying
// the given request id.
func (q *Queries) FindAuditByRequestID(ctx context.Context, dialogID, requestID string) (*HandoffAuditEntry, error) {
	row := q.q.QueryRowContext(ctx, handoffAuditQuery+`
		WHERE dialog_id = ? AND request_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, dialogID, requestID)
	e, err := scanHandoffAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const handoffAuditQuery = `
	SELECT id, dialog_id, seq, from_status, to_status, actor, reason, request_id, extra_json, created_at
	FROM handoff_audit`

// scanHandoffAudit scans a row into a HandoffAuditEntry.
func scanHandoffAudit(scanner interface{ Scan(dest ...any) error }) (HandoffAuditEntry, error) {
	var e HandoffAuditEntry
	var requestID sql.NullString
	var extraJSON *string
	var created string

	if err := scanner.Scan(
		&e.ID,
		&e.DialogID,
		&e.Seq,
		&e.FromStatus,
		&e.ToStatus,
		&e.Actor,
		&e.Reason,
		&requestID,
		&extraJSON,
		&created,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scanning handoff audit entry: %w", err)
	}
	e.RequestID = requestID.String

	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if extraJSON != nil {
		if err := json.Unmarshal([]byte(*extraJSON), &e.Extra); err != nil {
			return e, fmt.Errorf("unmarshaling extra: %w", err)
		}
	}
	return e, nil
}
