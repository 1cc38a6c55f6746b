package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"miren.dev/workspace/pkg/sqlitedb"
)

// SQLite stores each actor field as a row keyed by (actor, field).
type SQLite struct {
	db *sql.DB
}

var _ Backend = (*SQLite)(nil)

func NewSQLite(db *sql.DB) (*SQLite, error) {
	err := sqlitedb.Migrate(db, `
		CREATE TABLE IF NOT EXISTS actor_fields (
			actor TEXT NOT NULL,
			field TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (actor, field)
		)
	`)
	if err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, actor, field string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM actor_fields WHERE actor = ? AND field = ?", actor, field,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query field: %w", err)
	}

	return value, true, nil
}

func (s *SQLite) Put(ctx context.Context, actor, field string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actor_fields (actor, field, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (actor, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, actor, field, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert field: %w", err)
	}

	return nil
}

func (s *SQLite) Delete(ctx context.Context, actor string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}

	args := []any{actor}
	for _, f := range fields {
		args = append(args, f)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fields)), ",")

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM actor_fields WHERE actor = ? AND field IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("delete fields: %w", err)
	}

	return nil
}

func (s *SQLite) PutIfAbsent(ctx context.Context, actor, field string, value []byte) ([]byte, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO actor_fields (actor, field, value, updated_at) VALUES (?, ?, ?, ?)",
		actor, field, value, time.Now().UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("insert field: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	var stored []byte
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM actor_fields WHERE actor = ? AND field = ?", actor, field,
	).Scan(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("query field: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return stored, n == 1, nil
}

// Close is a no-op; the database handle is owned by whoever opened it.
func (s *SQLite) Close() error {
	return nil
}
