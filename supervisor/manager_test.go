package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"miren.dev/workspace/actor"
	"miren.dev/workspace/alarm"
	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/pkg/idgen"
	"miren.dev/workspace/pkg/testutils"
	"miren.dev/workspace/sandbox"
)

func newManager(t *testing.T, h *harness) *Manager {
	m, err := NewManager(h.deps, h.opts, actor.HostOptions{CacheSize: 16})
	require.NoError(t, err)
	return m
}

func TestManager(t *testing.T) {
	t.Run("unknown names are not created", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)
		m := newManager(t, h)

		_, ok, err := m.BucketRef(ctx, "nobody")
		r.NoError(err)
		r.False(ok)

		r.NoError(m.Destroy(ctx, "nobody", ""))

		_, err = m.Snapshot(ctx, "nobody")
		r.ErrorIs(err, cond.ErrNotFound{})

		r.Equal(0, m.Host().Live())
	})

	t.Run("configure then conflict", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)
		m := newManager(t, h)

		id, err := m.Configure(ctx, "alice", ConfigureRequest{BucketRef: "b1"})
		r.NoError(err)
		r.True(idgen.Valid("ws", id))

		_, err = m.Configure(ctx, "alice", ConfigureRequest{BucketRef: "b2"})
		r.ErrorIs(err, cond.ErrConflict{})

		ref, ok, err := m.BucketRef(ctx, "alice")
		r.NoError(err)
		r.True(ok)
		r.Equal("b1", ref)
	})

	t.Run("force destroy only reaches existing actors", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)
		m := newManager(t, h)

		err := m.ForceDestroy(ctx, idgen.GenNS("ws"), "")
		r.ErrorIs(err, cond.ErrNotFound{})

		err = m.ForceDestroy(ctx, "alice", "")
		r.ErrorIs(err, cond.ErrNotFound{})
		r.Equal(0, m.Host().Live())

		id, err := m.Configure(ctx, "alice", ConfigureRequest{BucketRef: "b1"})
		r.NoError(err)

		r.NoError(m.ForceDestroy(ctx, id, "cleanup"))
		r.True(h.destroyed(id))
		r.Equal(1, h.sandboxes.For(id).Count("destroy"))
	})

	t.Run("alarms through the dispatcher", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)
		m := newManager(t, h)

		id, err := m.Configure(ctx, "alice", ConfigureRequest{BucketRef: "b1"})
		r.NoError(err)

		sb := h.sandboxes.For(id)
		sb.SetStatus(sandbox.StatusRunning)
		sb.Activity(true, 0)

		_, err = h.alarms.Set(ctx, id, h.clock.Now())
		r.NoError(err)

		d := alarm.NewDispatcher(testutils.TestLogger(t), h.alarms, m, alarm.DispatcherOptions{Now: h.clock.Now})

		r.Equal(1, d.Tick(ctx))
		r.True(h.pending(id))
		r.Equal(0, d.Tick(ctx))

		// Idle now; the next fire tears the session down.
		sb.Activity(false, 120000)
		h.clock.Advance(h.opts.PollInterval)
		r.NoError(m.Host().Suspend(ctx, id))

		r.Equal(1, d.Tick(ctx))
		r.True(h.destroyed(id))
		r.False(h.pending(id))
		r.Equal(0, h.alarms.Len())
	})
}
