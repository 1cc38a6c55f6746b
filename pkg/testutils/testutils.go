// Package testutils holds helpers shared by the package tests.
package testutils

import (
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"miren.dev/workspace/pkg/sqlitedb"
)

// TestLogger discards everything unless WORKSPACE_TEST_LOG is set, in which
// case debug output goes to stderr.
func TestLogger(t testing.TB) *slog.Logger {
	t.Helper()

	if os.Getenv("WORKSPACE_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SQLite opens a fresh database in a temp directory that is closed when the
// test ends.
func SQLite(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}
