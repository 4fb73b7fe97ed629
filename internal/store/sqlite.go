// ABOUTME: SQLite implementation of switchboard persistence using modernc.org/sqlite
// ABOUTME: Provides schema creation, migrations, and transactional query scopes

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every read and write. Outside a transaction it runs against
// the pool; inside InTx it runs against the transaction.
type Queries struct {
	q      querier
	logger *slog.Logger
}

// SQLiteStore is the SQLite-backed store.
type SQLiteStore struct {
	*Queries
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Writers take the lock at BEGIN so concurrent transitions queue on the
	// busy timeout instead of failing on lock upgrade.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		Queries: &Queries{q: db, logger: logger},
		db:      db,
		logger:  logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			allowed_domains TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dialogs (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL REFERENCES tenants(id),
			channel        TEXT NOT NULL DEFAULT 'web',
			assistant_id   TEXT NOT NULL DEFAULT '',
			guest_id       TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'none',
			operator_id    TEXT,
			request_id     TEXT,
			reason         TEXT NOT NULL DEFAULT '',
			requested_at   TEXT,
			started_at     TEXT,
			resolved_at    TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('none', 'requested', 'active'))
		);

		CREATE INDEX IF NOT EXISTS idx_dialogs_queue ON dialogs(tenant_id, channel, status, requested_at);
		CREATE INDEX IF NOT EXISTS idx_dialogs_operator ON dialogs(operator_id, status);

		-- Append-only; rows are never updated or deleted
		CREATE TABLE IF NOT EXISTS handoff_audit (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			dialog_id   TEXT NOT NULL REFERENCES dialogs(id),
			seq         INTEGER NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			actor       TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			request_id  TEXT,
			extra_json  TEXT,
			created_at  TEXT NOT NULL,

			UNIQUE(dialog_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_handoff_audit_request ON handoff_audit(dialog_id, request_id);

		CREATE TABLE IF NOT EXISTS operator_presence (
			operator_id    TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL,
			capacity_json  TEXT NOT NULL DEFAULT '{}',
			active_chats   INTEGER NOT NULL DEFAULT 0,
			-- set when the sweeper, not the operator, went offline
			stale          INTEGER NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('online', 'away', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_operator_presence_tenant ON operator_presence(tenant_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "dialogs",
			column: "last_user_text",
			apply:  `ALTER TABLE dialogs ADD COLUMN last_user_text TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "operator_presence",
			column: "stale",
			apply:  `ALTER TABLE operator_presence ADD COLUMN stale INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// InTx runs fn inside one write transaction. fn must use only the Queries it
// is handed. The transaction commits if fn returns nil.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&Queries{q: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
