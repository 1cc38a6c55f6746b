package registry

import (
	"context"
	"sync"
	"time"

	"miren.dev/workspace/pkg/cond"
)

type Memory struct {
	mu       sync.Mutex
	sessions map[string]Session

	// Fail, when set, is returned by every call. Used to exercise the
	// best-effort paths.
	Fail error
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]Session)}
}

func (m *Memory) Get(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fail != nil {
		return Session{}, m.Fail
	}

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, cond.NotFound("session", id)
	}

	return s, nil
}

func (m *Memory) Put(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fail != nil {
		return m.Fail
	}

	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) Update(ctx context.Context, id, bucketRef string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fail != nil {
		return m.Fail
	}

	s, ok := m.sessions[id]
	if !ok {
		return cond.NotFound("session", id)
	}

	if err := apply(&s, id, bucketRef, fn, time.Now()); err != nil {
		return err
	}

	m.sessions[id] = s
	return nil
}

func (m *Memory) Close() error {
	return nil
}
