package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/pkg/testutils"
)

func registries(t *testing.T) map[string]Registry {
	sq, err := NewSQLite(testutils.SQLite(t))
	require.NoError(t, err)

	return map[string]Registry{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestRegistry(t *testing.T) {
	created := time.UnixMilli(1700000000000).UTC()

	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				_, err := reg.Get(ctx, "nope")
				require.ErrorIs(t, err, cond.ErrNotFound{})
			})

			t.Run("update missing", func(t *testing.T) {
				err := reg.Update(ctx, "nope", "b1", MarkStopped("x", created))
				require.ErrorIs(t, err, cond.ErrNotFound{})
			})

			t.Run("update lifecycle", func(t *testing.T) {
				r := require.New(t)

				r.NoError(reg.Put(ctx, Session{
					ID:        "s1",
					BucketRef: "b1",
					Status:    StatusPending,
					CreatedAt: created,
					UpdatedAt: created,
				}))

				started := created.Add(time.Minute)
				r.NoError(reg.Update(ctx, "s1", "b1", MarkRunning(started)))

				s, err := reg.Get(ctx, "s1")
				r.NoError(err)
				r.Equal(StatusRunning, s.Status)
				r.NotNil(s.StartedAt)
				r.True(s.StartedAt.Equal(started))
				r.True(s.CreatedAt.Equal(created))

				r.NoError(reg.Update(ctx, "s1", "b1", RecordActivity(Metrics{
					ActiveConnections: true,
					IdleDurationMs:    10,
				}, started.Add(time.Second))))

				s, err = reg.Get(ctx, "s1")
				r.NoError(err)
				r.True(s.Metrics.ActiveConnections)
				r.EqualValues(10, s.Metrics.IdleDurationMs)

				stopped := started.Add(time.Hour)
				r.NoError(reg.Update(ctx, "s1", "b1", MarkStopped("idle-timeout", stopped)))

				s, err = reg.Get(ctx, "s1")
				r.NoError(err)
				r.Equal(StatusStopped, s.Status)
				r.Equal("idle-timeout", s.ShutdownReason)
				r.False(s.Metrics.ActiveConnections)
				r.NotNil(s.StoppedAt)
			})

			t.Run("bucket mismatch is a conflict", func(t *testing.T) {
				r := require.New(t)

				r.NoError(reg.Put(ctx, Session{ID: "s2", BucketRef: "b2", Status: StatusRunning}))

				err := reg.Update(ctx, "s2", "other", MarkStopped("x", created))
				r.ErrorIs(err, cond.ErrConflict{})

				s, err := reg.Get(ctx, "s2")
				r.NoError(err)
				r.Equal(StatusRunning, s.Status)
			})
		})
	}
}

func TestEtcdKeyStaysInSessions(t *testing.T) {
	r := require.New(t)

	e := NewEtcd(testutils.TestLogger(t), nil, "/workspace")

	r.Equal("/workspace/sessions/sess-1", e.key("sess-1"))
	r.Equal("/workspace/sessions/..%2Factors%2Fws-abc", e.key("../actors/ws-abc"))
}

func TestRetryChanged(t *testing.T) {
	ctx := context.Background()
	log := testutils.TestLogger(t)

	t.Run("retries until the write lands", func(t *testing.T) {
		r := require.New(t)

		calls := 0
		err := retryChanged(ctx, log, "sess-1", func() error {
			calls++
			if calls < 3 {
				return errRecordChanged
			}
			return nil
		})
		r.NoError(err)
		r.Equal(3, calls)
	})

	t.Run("exhausted attempts are a conflict", func(t *testing.T) {
		r := require.New(t)

		calls := 0
		err := retryChanged(ctx, log, "sess-1", func() error {
			calls++
			return errRecordChanged
		})
		r.ErrorIs(err, cond.ErrConflict{})
		r.Equal(maxUpdateAttempts, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		r := require.New(t)

		calls := 0
		err := retryChanged(ctx, log, "sess-1", func() error {
			calls++
			return cond.NotFound("session", "sess-1")
		})
		r.ErrorIs(err, cond.ErrNotFound{})
		r.Equal(1, calls)
	})
}
