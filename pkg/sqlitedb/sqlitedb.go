// Package sqlitedb opens the SQLite database shared by the durable backends
// when the server runs in sqlite mode.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; sqlite serializes writes anyway and this avoids
	// SQLITE_BUSY churn between our own connections.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA journal_mode=WAL;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	return db, nil
}

// Migrate runs each statement in order. Statements must be idempotent.
func Migrate(db *sql.DB, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}
