package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"miren.dev/workspace/alarm"
	"miren.dev/workspace/creds"
	"miren.dev/workspace/events"
	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/pkg/testutils"
	"miren.dev/workspace/registry"
	"miren.dev/workspace/sandbox"
	"miren.dev/workspace/sandbox/sandboxtest"
	"miren.dev/workspace/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t         *testing.T
	deps      Deps
	opts      Options
	clock     *clock
	storage   *storage.Memory
	alarms    *alarm.Memory
	sandboxes *sandboxtest.Provider
	registry  *registry.Memory
	events    *events.Recorder
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:         t,
		clock:     &clock{t: time.UnixMilli(1700000000000).UTC()},
		storage:   storage.NewMemory(),
		alarms:    alarm.NewMemory(),
		sandboxes: sandboxtest.NewProvider(),
		registry:  registry.NewMemory(),
		events:    &events.Recorder{},
	}

	h.deps = Deps{
		Log:       testutils.TestLogger(t),
		Storage:   h.storage,
		Alarms:    h.alarms,
		Sandboxes: h.sandboxes,
		Registry:  h.registry,
		Events:    h.events,
	}

	h.opts = Options{
		IdleTimeout:      60 * time.Second,
		PollInterval:     30 * time.Second,
		ProbeAttempts:    1,
		ProbeDelay:       0,
		ProbeTimeout:     time.Second,
		FailureThreshold: 3,
		Now:              h.clock.Now,
	}

	return h
}

// activate builds a fresh in-memory instance over the shared storage, the
// way the host does after a suspension, and runs its barrier.
func (h *harness) activate(id string) *Supervisor {
	s := New(id, h.deps, h.opts)
	require.NoError(h.t, s.Init(context.Background()))
	return s
}

// configured returns an initialized supervisor bound to bucket b1 with a
// running sandbox.
func (h *harness) configured(id string) (*Supervisor, *sandboxtest.Handle) {
	r := require.New(h.t)

	s := h.activate(id)
	r.NoError(s.Configure(context.Background(), ConfigureRequest{
		BucketRef:         "b1",
		ExternalSessionID: "sess-" + id,
	}))

	sb := h.sandboxes.For(id)
	sb.SetStatus(sandbox.StatusRunning)

	return s, sb
}

func (h *harness) destroyed(id string) bool {
	var v bool
	_, err := storage.NewStore(h.storage, id).Get(context.Background(), fieldDestroyed, &v)
	require.NoError(h.t, err)
	return v
}

func (h *harness) pending(id string) bool {
	_, ok, err := h.alarms.Get(context.Background(), id)
	require.NoError(h.t, err)
	return ok
}

func (h *harness) shutdown(id string) (ShutdownInfo, bool) {
	var info ShutdownInfo
	ok, err := storage.NewStore(h.storage, id).Get(context.Background(), fieldShutdownInfo, &info)
	require.NoError(h.t, err)
	return info, ok
}

func touchesSandbox(calls []string) bool {
	for _, c := range calls {
		if c == "status" || c == "fetch" || c == "start" {
			return true
		}
	}
	return false
}

func TestConfigure(t *testing.T) {
	t.Run("write once bucket", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)

		s := h.activate("ws-a")
		r.NoError(s.Configure(ctx, ConfigureRequest{BucketRef: "b1"}))

		ref, ok, err := s.BucketRef(ctx)
		r.NoError(err)
		r.True(ok)
		r.Equal("b1", ref)

		err = s.Configure(ctx, ConfigureRequest{BucketRef: "b2"})
		r.ErrorIs(err, cond.ErrConflict{})

		ref, ok, err = s.BucketRef(ctx)
		r.NoError(err)
		r.True(ok)
		r.Equal("b1", ref)
	})

	t.Run("conflict survives reactivation", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)

		s := h.activate("ws-a")
		r.NoError(s.Configure(ctx, ConfigureRequest{BucketRef: "b1"}))

		s = h.activate("ws-a")
		r.ErrorIs(s.Configure(ctx, ConfigureRequest{BucketRef: "b2"}), cond.ErrConflict{})
	})

	t.Run("validation", func(t *testing.T) {
		blank := "  "
		bad := "not a url"
		good := "https://storage.example.com"
		yes := true

		tests := []struct {
			name string
			req  ConfigureRequest
		}{
			{"missing bucket", ConfigureRequest{}},
			{"blank bucket", ConfigureRequest{BucketRef: "   "}},
			{"blank access key", ConfigureRequest{BucketRef: "b", Credentials: &CredentialsInput{AccessKey: &blank}}},
			{"relative endpoint", ConfigureRequest{BucketRef: "b", Credentials: &CredentialsInput{Endpoint: &bad}}},
			{"untitled tab", ConfigureRequest{BucketRef: "b", SyncEnabled: &yes, TabLayout: []TabSpec{{Command: "bash"}}}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := require.New(t)
				ctx := context.Background()
				h := newHarness(t)

				s := h.activate("ws-a")
				err := s.Configure(ctx, tt.req)
				r.ErrorIs(err, cond.ErrValidationFailure{})

				_, ok, err := s.BucketRef(ctx)
				r.NoError(err)
				r.False(ok)
			})
		}

		t.Run("valid credentials", func(t *testing.T) {
			r := require.New(t)
			h := newHarness(t)

			key := "AK"
			s := h.activate("ws-a")
			r.NoError(s.Configure(context.Background(), ConfigureRequest{
				BucketRef:   "b",
				Credentials: &CredentialsInput{AccessKey: &key, Endpoint: &good},
			}))
		})
	})

	t.Run("derives environment", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)
		h.deps.DefaultCredentials = creds.Credentials{SecretKey: "default-secret", AccessKey: "default-key"}

		key := "own-key"
		yes := true

		s := h.activate("ws-a")
		r.NoError(s.Configure(ctx, ConfigureRequest{
			BucketRef:   "b1",
			Credentials: &CredentialsInput{AccessKey: &key},
			SyncEnabled: &yes,
			TabLayout:   []TabSpec{{Title: "shell"}},
		}))

		snap, err := s.Snapshot(ctx)
		r.NoError(err)
		r.Equal("active", snap.Phase)
		r.True(snap.HasAuthToken)
		r.Equal("own-key", snap.Env["STORAGE_ACCESS_KEY_ID"])
		r.Equal("default-secret", snap.Env["STORAGE_SECRET_ACCESS_KEY"])
		r.Equal("", snap.Env["STORAGE_ENDPOINT"])
		r.Equal("b1", snap.Env["STORAGE_BUCKET"])
		r.Equal("bidirectional", snap.Env["SYNC_MODE"])
		r.Equal(`[{"title":"shell"}]`, snap.Env["TAB_LAYOUT"])
		r.NotEmpty(snap.Env["SANDBOX_AUTH_TOKEN"])

		// Configuration has no effect outside storage.
		r.Empty(h.sandboxes.For("ws-a").Calls())
		r.Empty(h.events.Events())
	})

	t.Run("lazy resolver fills missing credentials", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)
		h.deps.Resolver = creds.Static{AccessKey: "resolved", SecretKey: "s", AccountRef: "acct", Endpoint: "https://e"}

		s := h.activate("ws-a")
		r.NoError(s.Configure(ctx, ConfigureRequest{BucketRef: "b1"}))

		snap, err := s.Snapshot(ctx)
		r.NoError(err)
		r.Equal("resolved", snap.Env["STORAGE_ACCESS_KEY_ID"])
		r.Equal("acct", snap.Env["STORAGE_ACCOUNT_ID"])
	})
}

func TestFreshActorIsOrphan(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	// A stale alarm left behind for a key that was never configured.
	_, err := h.alarms.Set(ctx, "ws-o", h.clock.Now())
	r.NoError(err)

	s := h.activate("ws-o")
	r.True(h.destroyed("ws-o"))
	r.False(h.pending("ws-o"))

	for range 3 {
		r.NoError(s.Alarm(ctx))
	}

	r.Empty(h.sandboxes.For("ws-o").Calls())
	r.True(h.destroyed("ws-o"))
	r.False(h.pending("ws-o"))
}

func TestIdleTimeout(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	_, err := h.alarms.Set(ctx, "ws-a", h.clock.Now())
	r.NoError(err)

	sb.Activity(false, 61000)

	r.NoError(s.Alarm(ctx))

	r.True(h.destroyed("ws-a"))
	r.False(h.pending("ws-a"))

	_, ok, err := s.BucketRef(ctx)
	r.NoError(err)
	r.False(ok)

	info, ok := h.shutdown("ws-a")
	r.True(ok)
	r.Equal(ReasonIdleTimeout, info.Reason)
	r.Equal("b1", info.BucketRef)

	r.Equal(1, sb.Count("destroy"))
	r.Equal([]events.Type{events.Destroyed}, h.events.Types())
}

func TestHugeIdleDurationTimesOut(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")

	// Past the range of time.Duration in nanoseconds.
	sb.Activity(false, 10_000_000_000_000)

	r.NoError(s.Alarm(ctx))

	r.True(h.destroyed("ws-a"))
	r.False(h.pending("ws-a"))

	info, ok := h.shutdown("ws-a")
	r.True(ok)
	r.Equal(ReasonIdleTimeout, info.Reason)
	r.Equal(1, sb.Count("destroy"))
}

func TestIdleWithinLimitReschedules(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	sb.Activity(false, 60000)

	r.NoError(s.Alarm(ctx))
	r.False(h.destroyed("ws-a"))
	r.True(h.pending("ws-a"))

	a, _, err := h.alarms.Get(ctx, "ws-a")
	r.NoError(err)
	r.True(a.At.Equal(h.clock.Now().Add(h.opts.PollInterval)))
}

func TestActiveConnectionsKeepAlive(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	sb.Activity(true, 10*60*1000)

	r.NoError(s.Alarm(ctx))
	r.False(h.destroyed("ws-a"))
	r.True(h.pending("ws-a"))
	r.Zero(sb.Count("destroy"))
}

func TestProbeThreshold(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.opts.ProbeAttempts = 2

	s, sb := h.configured("ws-a")
	sb.Unreachable(2 * 3)

	for cycle := 1; cycle < 3; cycle++ {
		r.NoError(s.Alarm(ctx))
		r.False(h.destroyed("ws-a"), "cycle %d", cycle)
		r.True(h.pending("ws-a"), "cycle %d", cycle)
		r.Equal(cycle, s.probeFailures)
	}

	r.NoError(s.Alarm(ctx))
	r.True(h.destroyed("ws-a"))
	r.False(h.pending("ws-a"))

	info, ok := h.shutdown("ws-a")
	r.True(ok)
	r.Equal(ReasonProbeUnreachable, info.Reason)
	r.Equal(1, sb.Count("destroy"))
	r.Equal(6, sb.Count("fetch"))
}

func TestProbeSuccessResetsFailures(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	sb.Unreachable(2)
	sb.Activity(false, 0)
	sb.Unreachable(2)
	sb.Activity(false, 0)

	r.NoError(s.Alarm(ctx))
	r.NoError(s.Alarm(ctx))
	r.Equal(2, s.probeFailures)

	r.NoError(s.Alarm(ctx))
	r.Equal(0, s.probeFailures)
	r.False(h.destroyed("ws-a"))

	// Without the reset this would be the fourth consecutive failure.
	r.NoError(s.Alarm(ctx))
	r.NoError(s.Alarm(ctx))
	r.Equal(2, s.probeFailures)
	r.False(h.destroyed("ws-a"))
	r.Zero(sb.Count("destroy"))
}

func TestProbeCarriesAuthToken(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	sb.Activity(true, 0)

	r.NoError(s.Alarm(ctx))
	r.Equal("Bearer "+s.authToken, sb.LastAuthorization())
	r.NotEmpty(s.authToken)
}

func TestSandboxReportedStopped(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	sb.SetStatus(sandbox.StatusStopped)

	r.NoError(s.Alarm(ctx))
	r.True(h.destroyed("ws-a"))

	info, _ := h.shutdown("ws-a")
	r.Equal(ReasonSandboxStopped, info.Reason)
	r.Zero(sb.Count("fetch"))
}

func TestStatusErrorIsNotStopped(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	sb.SetStatusError(errors.New("control plane timeout"))

	r.NoError(s.Alarm(ctx))
	r.False(h.destroyed("ws-a"))
	r.True(h.pending("ws-a"))
	r.Zero(sb.Count("fetch"))
	r.Zero(sb.Count("destroy"))
}

func TestNotLiveStopsPolling(t *testing.T) {
	for _, st := range []sandbox.Status{sandbox.StatusStarting, sandbox.StatusStopping, sandbox.StatusUnknown} {
		t.Run(string(st), func(t *testing.T) {
			r := require.New(t)
			ctx := context.Background()
			h := newHarness(t)

			s, sb := h.configured("ws-a")
			_, err := h.alarms.Set(ctx, "ws-a", h.clock.Now())
			r.NoError(err)

			sb.SetStatus(st)

			r.NoError(s.Alarm(ctx))
			r.False(h.destroyed("ws-a"))
			r.False(h.pending("ws-a"))
			r.Zero(sb.Count("fetch"))
		})
	}
}

func TestSinglePendingAlarm(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	sb.Activity(true, 0)

	for range 5 {
		r.NoError(s.Alarm(ctx))
		h.clock.Advance(h.opts.PollInterval)
		r.Equal(1, h.alarms.Len())
	}
}

func TestExplicitDestroy(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	r.NoError(h.registry.Put(ctx, registry.Session{ID: "sess-ws-a", BucketRef: "b1", Status: registry.StatusRunning}))
	h.registry.Fail = errors.New("registry offline")

	r.NoError(s.Destroy(ctx, "user request"))

	r.True(h.destroyed("ws-a"))
	r.False(h.pending("ws-a"))

	snap, err := s.Snapshot(ctx)
	r.NoError(err)
	r.Empty(snap.BucketRef)
	r.False(snap.SyncEnabled)
	r.Empty(snap.TabLayout)
	r.Equal("sess-ws-a", snap.SessionExternalID)
	r.True(snap.HasAuthToken)
	r.Equal(1, sb.Count("destroy"))
}

func TestExplicitDestroyPatchesRegistry(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, _ := h.configured("ws-a")
	r.NoError(h.registry.Put(ctx, registry.Session{ID: "sess-ws-a", BucketRef: "b1", Status: registry.StatusRunning}))

	r.NoError(s.Destroy(ctx, ""))

	rec, err := h.registry.Get(ctx, "sess-ws-a")
	r.NoError(err)
	r.Equal(registry.StatusStopped, rec.Status)
	r.Equal(ReasonExplicit, rec.ShutdownReason)
}

func TestDestroyIsIdempotent(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")

	r.NoError(s.Destroy(ctx, "first"))
	first, _ := h.shutdown("ws-a")
	fields := h.storage.Fields("ws-a")

	r.NoError(s.Destroy(ctx, "second"))
	second, _ := h.shutdown("ws-a")

	r.Equal(1, sb.Count("destroy"))
	r.Equal(fields, h.storage.Fields("ws-a"))
	r.Equal(first, second)
	r.False(touchesSandbox(sb.Calls()))

	// Same from a fresh activation.
	s = h.activate("ws-a")
	r.NoError(s.Destroy(ctx, "third"))
	r.Equal(1, sb.Count("destroy"))
}

func TestDestroyReentry(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	s.destroying = true

	r.NoError(s.Destroy(ctx, ""))
	r.False(h.destroyed("ws-a"))
	r.Zero(sb.Count("destroy"))
}

func TestTombstoneStopsAlarms(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	r.NoError(s.Destroy(ctx, ""))

	sb.Reset()
	// A wake-up that raced the destroy.
	_, err := h.alarms.Set(ctx, "ws-a", h.clock.Now())
	r.NoError(err)

	r.NoError(s.Alarm(ctx))
	r.Empty(sb.Calls())
	r.False(h.pending("ws-a"))

	// And after the process was recycled.
	_, err = h.alarms.Set(ctx, "ws-a", h.clock.Now())
	r.NoError(err)

	s = h.activate("ws-a")
	r.NoError(s.Alarm(ctx))
	r.Empty(sb.Calls())
	r.False(h.pending("ws-a"))
}

func TestStaleInMemoryStateIgnored(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	live, sb := h.configured("ws-a")

	// Another activation destroys the session; the old instance still
	// believes it is active.
	other := h.activate("ws-a")
	r.NoError(other.Destroy(ctx, ""))
	sb.Reset()

	r.NoError(live.Alarm(ctx))
	r.Empty(sb.Calls())
}

func TestReconfigureAfterDestroy(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, _ := h.configured("ws-a")
	token := s.authToken

	r.NoError(s.Destroy(ctx, ""))
	_, ok := h.shutdown("ws-a")
	r.True(ok)

	r.NoError(s.Configure(ctx, ConfigureRequest{BucketRef: "b2"}))

	r.False(h.destroyed("ws-a"))
	_, ok = h.shutdown("ws-a")
	r.False(ok)

	ref, ok, err := s.BucketRef(ctx)
	r.NoError(err)
	r.True(ok)
	r.Equal("b2", ref)
	r.Equal(token, s.authToken)

	// Active again after a cold activation.
	s = h.activate("ws-a")
	r.Equal(phaseActive, s.phase)
}

func TestForceDestroy(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, sb := h.configured("ws-a")
	r.NoError(s.Destroy(ctx, "first"))

	r.NoError(s.ForceDestroy(ctx, "operator cleanup"))

	info, ok := h.shutdown("ws-a")
	r.True(ok)
	r.Equal(ReasonForced, info.Reason)
	r.Equal("operator cleanup", info.Details)
	r.Equal(2, sb.Count("destroy"))
	r.False(touchesSandbox(sb.Calls()))
}

func TestFetch(t *testing.T) {
	t.Run("starts sandbox and begins polling", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)

		s := h.activate("ws-a")
		r.NoError(s.Configure(ctx, ConfigureRequest{BucketRef: "b1", ExternalSessionID: "sess"}))
		r.NoError(h.registry.Put(ctx, registry.Session{ID: "sess", BucketRef: "b1", Status: registry.StatusPending}))

		req, err := http.NewRequest(http.MethodGet, "http://workspace/files", nil)
		r.NoError(err)

		resp, err := s.Fetch(ctx, req)
		r.NoError(err)
		r.Equal("ok /files", sandboxtest.ReadBody(resp))

		sb := h.sandboxes.For("ws-a")
		r.Equal([]string{"start", "fetch"}, sb.Calls())
		r.Equal("b1", sb.Env()["STORAGE_BUCKET"])
		r.Equal("Bearer "+s.authToken, sb.LastAuthorization())
		r.True(h.pending("ws-a"))

		rec, err := h.registry.Get(ctx, "sess")
		r.NoError(err)
		r.Equal(registry.StatusRunning, rec.Status)
		r.Equal([]events.Type{events.Started}, h.events.Types())

		// The alarm is not rescheduled by later traffic.
		a1, _, _ := h.alarms.Get(ctx, "ws-a")
		h.clock.Advance(time.Second)
		_, err = s.Fetch(ctx, req)
		r.NoError(err)
		a2, _, _ := h.alarms.Get(ctx, "ws-a")
		r.Equal(a1.Gen, a2.Gen)
	})

	t.Run("refuses tombstoned and orphaned", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		h := newHarness(t)

		req, err := http.NewRequest(http.MethodGet, "http://workspace/", nil)
		r.NoError(err)

		orphan := h.activate("ws-o")
		_, err = orphan.Fetch(ctx, req)
		r.ErrorIs(err, cond.ErrUnavailable{})
		r.Empty(h.sandboxes.For("ws-o").Calls())

		s, sb := h.configured("ws-a")
		r.NoError(s.Destroy(ctx, ""))
		sb.Reset()

		_, err = s.Fetch(ctx, req)
		r.ErrorIs(err, cond.ErrUnavailable{})
		r.Empty(sb.Calls())
	})
}

func TestInitRestoresPendingTimer(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	h.configured("ws-a")
	_, err := h.alarms.Set(ctx, "ws-a", h.clock.Now().Add(time.Minute))
	r.NoError(err)

	s := h.activate("ws-a")
	r.True(s.pendingTimer)
	r.Equal(phaseActive, s.phase)
}

func TestZombieReconcilesRegistry(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	s, _ := h.configured("ws-a")
	r.NoError(h.registry.Put(ctx, registry.Session{ID: "sess-ws-a", BucketRef: "b1", Status: registry.StatusRunning}))

	// The patch during destroy fails.
	h.registry.Fail = errors.New("offline")
	r.NoError(s.Destroy(ctx, ""))
	h.registry.Fail = nil

	rec, err := h.registry.Get(ctx, "sess-ws-a")
	r.NoError(err)
	r.Equal(registry.StatusRunning, rec.Status)

	h.activate("ws-a")

	rec, err = h.registry.Get(ctx, "sess-ws-a")
	r.NoError(err)
	r.Equal(registry.StatusStopped, rec.Status)
	r.Equal(ReasonExplicit, rec.ShutdownReason)
}
