// ABOUTME: Tenant persistence and allowed embedding domain management
// ABOUTME: Changing a tenant's domain list invalidates its outstanding capability tokens

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateTenant inserts a new tenant.
func (q *Queries) CreateTenant(ctx context.Context, t *Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO tenants (id, name, allowed_domains, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Name, strings.Join(t.AllowedDomains, ","), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tenant %s: %w", t.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

// GetTenant returns a tenant by ID.
func (q *Queries) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var domains, created, updated string
	err := q.q.QueryRowContext(ctx, `
		SELECT id, name, allowed_domains, created_at, updated_at FROM tenants WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &domains, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}

	t.AllowedDomains = splitDomains(domains)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// TenantDomains returns the tenant's current allowed domain list.
func (q *Queries) TenantDomains(ctx context.Context, tenantID string) ([]string, error) {
	t, err := q.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return t.AllowedDomains, nil
}

// SetTenantDomains replaces the tenant's allowed domain list.
func (q *Queries) SetTenantDomains(ctx context.Context, tenantID string, domains []string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tenants SET allowed_domains = ?, updated_at = ? WHERE id = ?
	`, strings.Join(domains, ","), formatTime(time.Now()), tenantID)
	if err != nil {
		return fmt.Errorf("updating tenant domains: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	q.logger.Info("tenant domains updated", "tenant_id", tenantID, "domains", len(domains))
	return nil
}

// ListTenants returns all tenants ordered by ID.
func (q *Queries) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tenants := make([]*Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := q.GetTenant(ctx, id)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func splitDomains(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
