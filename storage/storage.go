// Package storage is the durable, per-actor key/value store. Each actor owns
// a private namespace of independent fields; a missing field means "default
// value", so fields can be added without migrations and a partially written
// record is still readable.
package storage

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Backend persists raw field values grouped by actor.
type Backend interface {
	Get(ctx context.Context, actor, field string) ([]byte, bool, error)
	Put(ctx context.Context, actor, field string, value []byte) error
	Delete(ctx context.Context, actor string, fields ...string) error

	// PutIfAbsent stores value unless the field already exists. It returns
	// the value that is stored after the call and whether this call created it.
	PutIfAbsent(ctx context.Context, actor, field string, value []byte) ([]byte, bool, error)

	Close() error
}

// Store is a Backend scoped to a single actor with CBOR encoded values.
type Store struct {
	backend Backend
	actor   string
}

func NewStore(b Backend, actor string) *Store {
	return &Store{backend: b, actor: actor}
}

func (s *Store) Actor() string {
	return s.actor
}

// Get decodes field into v. It reports false, leaving v untouched, if the
// field has never been written or was deleted.
func (s *Store) Get(ctx context.Context, field string, v any) (bool, error) {
	data, ok, err := s.backend.Get(ctx, s.actor, field)
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", s.actor, field, err)
	}

	if !ok {
		return false, nil
	}

	if err := cbor.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", s.actor, field, err)
	}

	return true, nil
}

func (s *Store) Put(ctx context.Context, field string, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", s.actor, field, err)
	}

	if err := s.backend.Put(ctx, s.actor, field, data); err != nil {
		return fmt.Errorf("put %s/%s: %w", s.actor, field, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}

	if err := s.backend.Delete(ctx, s.actor, fields...); err != nil {
		return fmt.Errorf("delete %s %v: %w", s.actor, fields, err)
	}

	return nil
}

// PutIfAbsent encodes v and stores it unless field exists. The stored value
// (either v or the existing one) is decoded into out.
func (s *Store) PutIfAbsent(ctx context.Context, field string, v, out any) (bool, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", s.actor, field, err)
	}

	stored, created, err := s.backend.PutIfAbsent(ctx, s.actor, field, data)
	if err != nil {
		return false, fmt.Errorf("put-if-absent %s/%s: %w", s.actor, field, err)
	}

	if out != nil {
		if err := cbor.Unmarshal(stored, out); err != nil {
			return false, fmt.Errorf("decode %s/%s: %w", s.actor, field, err)
		}
	}

	return created, nil
}
