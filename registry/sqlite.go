package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/pkg/sqlitedb"
)

type SQLite struct {
	db *sql.DB
}

var _ Registry = (*SQLite)(nil)

func NewSQLite(db *sql.DB) (*SQLite, error) {
	err := sqlitedb.Migrate(db,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			bucket_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_status ON sessions (status)`,
	)
	if err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q queryer, id string) (Session, error) {
	var record string
	err := q.QueryRowContext(ctx, "SELECT record FROM sessions WHERE id = ?", id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, cond.NotFound("session", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(record), &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}

	return s, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, e execer, s Session) error {
	record, err := json.Marshal(s)
	if err != nil {
		return err
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO sessions (id, bucket_ref, status, record, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			bucket_ref = excluded.bucket_ref,
			status = excluded.status,
			record = excluded.record,
			updated_at = excluded.updated_at
	`, s.ID, s.BucketRef, string(s.Status), string(record), s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	return nil
}

func (r *SQLite) Get(ctx context.Context, id string) (Session, error) {
	return get(ctx, r.db, id)
}

func (r *SQLite) Put(ctx context.Context, s Session) error {
	return put(ctx, r.db, s)
}

func (r *SQLite) Update(ctx context.Context, id, bucketRef string, fn func(*Session)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := get(ctx, tx, id)
	if err != nil {
		return err
	}

	if err := apply(&s, id, bucketRef, fn, time.Now()); err != nil {
		return err
	}

	if err := put(ctx, tx, s); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *SQLite) Close() error {
	return nil
}
