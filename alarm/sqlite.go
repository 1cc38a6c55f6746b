package alarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"miren.dev/workspace/pkg/sqlitedb"
)

type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func NewSQLite(db *sql.DB) (*SQLite, error) {
	err := sqlitedb.Migrate(db,
		`CREATE TABLE IF NOT EXISTS alarms (
			key TEXT PRIMARY KEY,
			fire_at INTEGER NOT NULL,
			gen TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS alarms_fire_at ON alarms (fire_at)`,
	)
	if err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Set(ctx context.Context, key string, at time.Time) (string, error) {
	gen := newGen()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarms (key, fire_at, gen) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET fire_at = excluded.fire_at, gen = excluded.gen
	`, key, at.UnixMilli(), gen)
	if err != nil {
		return "", fmt.Errorf("set alarm: %w", err)
	}

	return gen, nil
}

func (s *SQLite) Cancel(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM alarms WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("cancel alarm: %w", err)
	}

	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Alarm, bool, error) {
	var (
		at  int64
		gen string
	)

	err := s.db.QueryRowContext(ctx,
		"SELECT fire_at, gen FROM alarms WHERE key = ?", key,
	).Scan(&at, &gen)
	if errors.Is(err, sql.ErrNoRows) {
		return Alarm{}, false, nil
	}
	if err != nil {
		return Alarm{}, false, fmt.Errorf("query alarm: %w", err)
	}

	return Alarm{Key: key, At: time.UnixMilli(at), Gen: gen}, true, nil
}

func (s *SQLite) Due(ctx context.Context, now time.Time, limit int) ([]Alarm, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, fire_at, gen FROM alarms WHERE fire_at <= ? ORDER BY fire_at LIMIT ?",
		now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due alarms: %w", err)
	}
	defer rows.Close()

	var due []Alarm
	for rows.Next() {
		var (
			a  Alarm
			at int64
		)

		if err := rows.Scan(&a.Key, &at, &a.Gen); err != nil {
			return nil, err
		}

		a.At = time.UnixMilli(at)
		due = append(due, a)
	}

	return due, rows.Err()
}

func (s *SQLite) Ack(ctx context.Context, key, gen string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM alarms WHERE key = ? AND gen = ?", key, gen)
	if err != nil {
		return fmt.Errorf("ack alarm: %w", err)
	}

	return nil
}

func (s *SQLite) Close() error {
	return nil
}
