// Package alarm is a durable timer service. Each key holds at most one
// pending alarm; setting a new one replaces the old. Alarms are delivered
// at-least-once by a Dispatcher polling the store, so they survive both actor
// suspension and a restart of the whole process.
package alarm

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

type Alarm struct {
	Key string
	At  time.Time

	// Gen identifies this particular scheduling of the key. Ack only removes
	// the alarm if Gen still matches, so a reschedule made while the previous
	// alarm was being delivered is not lost.
	Gen string
}

type Store interface {
	Set(ctx context.Context, key string, at time.Time) (string, error)
	Cancel(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (Alarm, bool, error)
	Due(ctx context.Context, now time.Time, limit int) ([]Alarm, error)
	Ack(ctx context.Context, key, gen string) error
	Close() error
}

func newGen() string {
	return ulid.Make().String()
}

// Timer is a Store scoped to one key.
type Timer struct {
	store Store
	key   string
}

func NewTimer(store Store, key string) *Timer {
	return &Timer{store: store, key: key}
}

func (t *Timer) ScheduleAt(ctx context.Context, at time.Time) error {
	_, err := t.store.Set(ctx, t.key, at)
	return err
}

func (t *Timer) Cancel(ctx context.Context) error {
	return t.store.Cancel(ctx, t.key)
}

func (t *Timer) Pending(ctx context.Context) (bool, error) {
	_, ok, err := t.store.Get(ctx, t.key)
	return ok, err
}
