package alarm

import (
	"context"
	"slices"
	"sync"
	"time"
)

type Memory struct {
	mu     sync.Mutex
	alarms map[string]Alarm
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{alarms: make(map[string]Alarm)}
}

func (m *Memory) Set(ctx context.Context, key string, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := newGen()
	m.alarms[key] = Alarm{Key: key, At: at, Gen: gen}
	return gen, nil
}

func (m *Memory) Cancel(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.alarms, key)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (Alarm, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alarms[key]
	return a, ok, nil
}

func (m *Memory) Due(ctx context.Context, now time.Time, limit int) ([]Alarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Alarm
	for _, a := range m.alarms {
		if !a.At.After(now) {
			due = append(due, a)
		}
	}

	slices.SortFunc(due, func(a, b Alarm) int {
		return a.At.Compare(b.At)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (m *Memory) Ack(ctx context.Context, key, gen string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.alarms[key]; ok && a.Gen == gen {
		delete(m.alarms, key)
	}

	return nil
}

// Len reports how many alarms are pending across all keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.alarms)
}

func (m *Memory) Close() error {
	return nil
}
