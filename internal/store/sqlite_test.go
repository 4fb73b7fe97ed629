// ABOUTME: Tests for SQLite store setup and transaction scopes
// ABOUTME: Covers file creation, migrations, and commit/rollback behavior of InTx

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.CreateTenant(context.Background(), &Tenant{ID: "t1", Name: "One"}))
	require.NoError(t, first.Close())

	// migrations must be idempotent
	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "One", got.Name)
}

func TestInTx_CommitAndRollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(q *Queries) error {
		return q.CreateTenant(ctx, &Tenant{ID: "committed", Name: "c"})
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.InTx(ctx, func(q *Queries) error {
		if err := q.CreateTenant(ctx, &Tenant{ID: "rolled-back", Name: "r"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetTenant(ctx, "committed")
	assert.NoError(t, err)
	_, err = store.GetTenant(ctx, "rolled-back")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPing(t *testing.T) {
	store := setupTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
