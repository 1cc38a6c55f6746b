package storage

import (
	"context"
	"slices"
	"sync"
)

type memKey struct {
	actor, field string
}

// Memory is an in-process Backend. It survives actor suspension but not a
// process restart.
type Memory struct {
	mu     sync.Mutex
	values map[memKey][]byte
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{values: make(map[memKey][]byte)}
}

func (m *Memory) Get(ctx context.Context, actor, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[memKey{actor, field}]
	if !ok {
		return nil, false, nil
	}

	return slices.Clone(v), true, nil
}

func (m *Memory) Put(ctx context.Context, actor, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[memKey{actor, field}] = slices.Clone(value)
	return nil
}

func (m *Memory) Delete(ctx context.Context, actor string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range fields {
		delete(m.values, memKey{actor, f})
	}

	return nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, actor, field string, value []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{actor, field}
	if v, ok := m.values[k]; ok {
		return slices.Clone(v), false, nil
	}

	m.values[k] = slices.Clone(value)
	return slices.Clone(value), true, nil
}

// Fields lists the fields currently stored for actor, sorted.
func (m *Memory) Fields(actor string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fields []string
	for k := range m.values {
		if k.actor == actor {
			fields = append(fields, k.field)
		}
	}

	slices.Sort(fields)
	return fields
}

func (m *Memory) Close() error {
	return nil
}
