package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"miren.dev/workspace/actor"
	"miren.dev/workspace/pkg/cond"
)

// Manager addresses supervisors by session name for the control surface and
// by durable ID for administrative calls and alarms.
type Manager struct {
	log  *slog.Logger
	host *actor.Host[*Supervisor]
}

func NewManager(deps Deps, opts Options, hostOpts actor.HostOptions) (*Manager, error) {
	host, err := actor.NewHost(deps.Log, deps.Storage, func(id string) *Supervisor {
		return New(id, deps, opts)
	}, hostOpts)
	if err != nil {
		return nil, err
	}

	return &Manager{
		log:  deps.Log.With("module", "supervisor-manager"),
		host: host,
	}, nil
}

// Host exposes the underlying actor host.
func (m *Manager) Host() *actor.Host[*Supervisor] {
	return m.host
}

// Configure creates the supervisor for name if needed and configures it.
// It returns the supervisor's durable ID.
func (m *Manager) Configure(ctx context.Context, name string, req ConfigureRequest) (string, error) {
	ref, err := m.host.Get(ctx, name)
	if err != nil {
		return "", err
	}

	err = m.host.Do(ctx, ref, func(ctx context.Context, s *Supervisor) error {
		return s.Configure(ctx, req)
	})

	return ref.ID, err
}

// BucketRef reports the bucket for name. Unknown names have no bucket.
func (m *Manager) BucketRef(ctx context.Context, name string) (string, bool, error) {
	ref, err := m.host.Find(ctx, name)
	if errors.Is(err, cond.ErrNotFound{}) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var (
		bucketRef string
		ok        bool
	)

	err = m.host.Do(ctx, ref, func(ctx context.Context, s *Supervisor) error {
		bucketRef, ok, err = s.BucketRef(ctx)
		return err
	})

	return bucketRef, ok, err
}

// Destroy tears down the session for name. Unknown names are already gone.
func (m *Manager) Destroy(ctx context.Context, name, details string) error {
	ref, err := m.host.Find(ctx, name)
	if errors.Is(err, cond.ErrNotFound{}) {
		return nil
	}
	if err != nil {
		return err
	}

	return m.host.Do(ctx, ref, func(ctx context.Context, s *Supervisor) error {
		return s.Destroy(ctx, details)
	})
}

// ForceDestroy destroys the supervisor with the given durable ID. It never
// creates a supervisor; unknown IDs are reported as not found.
func (m *Manager) ForceDestroy(ctx context.Context, id, details string) error {
	ref, err := m.host.Lookup(ctx, id)
	if err != nil {
		return err
	}

	m.log.Warn("force destroying supervisor", "actor", ref.ID, "name", ref.Name, "details", details)

	return m.host.Do(ctx, ref, func(ctx context.Context, s *Supervisor) error {
		return s.ForceDestroy(ctx, details)
	})
}

func (m *Manager) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	ref, err := m.host.Find(ctx, name)
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	err = m.host.Do(ctx, ref, func(ctx context.Context, s *Supervisor) error {
		snap, err = s.Snapshot(ctx)
		return err
	})

	return snap, err
}

// Fetch forwards req to the sandbox of name. The response body must be
// closed by the caller.
func (m *Manager) Fetch(ctx context.Context, name string, req *http.Request) (*http.Response, error) {
	ref, err := m.host.Find(ctx, name)
	if errors.Is(err, cond.ErrNotFound{}) {
		return nil, cond.Unavailable("session", "not configured")
	}
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	err = m.host.Do(ctx, ref, func(ctx context.Context, s *Supervisor) error {
		resp, err = s.Fetch(ctx, req)
		return err
	})

	return resp, err
}

// Deliver runs the alarm handler for the supervisor with the given ID.
func (m *Manager) Deliver(ctx context.Context, id string) error {
	return m.host.Deliver(ctx, id)
}
