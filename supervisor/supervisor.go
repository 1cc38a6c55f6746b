// Package supervisor implements the per-session lifecycle supervisor. One
// Supervisor owns one sandbox: it binds it to a storage bucket, keeps it
// alive while it is in use and tears it down when it goes idle, stops
// answering or is destroyed. A tombstoned supervisor never touches its
// sandbox again until it is explicitly reconfigured.
package supervisor

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"miren.dev/workspace/alarm"
	"miren.dev/workspace/creds"
	"miren.dev/workspace/events"
	"miren.dev/workspace/registry"
	"miren.dev/workspace/sandbox"
	"miren.dev/workspace/storage"
)

type Deps struct {
	Log       *slog.Logger
	Storage   storage.Backend
	Alarms    alarm.Store
	Sandboxes sandbox.Provider
	Registry  registry.Registry
	Events    events.Publisher
	Metrics   *Metrics

	DefaultCredentials creds.Credentials
	Resolver           creds.Resolver
}

type Options struct {
	IdleTimeout      time.Duration
	PollInterval     time.Duration
	ProbeAttempts    int
	ProbeDelay       time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 15 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 3
	}
	if o.ProbeDelay < 0 {
		o.ProbeDelay = 0
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Supervisor struct {
	id   string
	log  *slog.Logger
	deps Deps
	opts Options

	store   *storage.Store
	timer   *alarm.Timer
	sandbox sandbox.Handle

	// In-memory only; rebuilt on every activation.
	initialized   bool
	phase         phase
	pendingTimer  bool
	probeFailures int
	destroying    bool
	authToken     string
	env           map[string]string
}

func New(id string, deps Deps, opts Options) *Supervisor {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}

	return &Supervisor{
		id:      id,
		log:     deps.Log.With("module", "supervisor", "actor", id),
		deps:    deps,
		opts:    opts.withDefaults(),
		store:   storage.NewStore(deps.Storage, id),
		timer:   alarm.NewTimer(deps.Alarms, id),
		sandbox: deps.Sandboxes.Handle(id),
	}
}

func (s *Supervisor) ID() string {
	return s.id
}

func (s *Supervisor) now() time.Time {
	return s.opts.Now()
}

// Init classifies a freshly activated instance from durable state. It runs
// before every call and only does work the first time.
func (s *Supervisor) Init(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	destroyed, err := s.isDestroyed(ctx)
	if err != nil {
		return err
	}

	if destroyed {
		s.log.Debug("activated tombstoned supervisor")
		s.cancelTimer(ctx)
		s.reconcileZombie(ctx)
		s.phase = phaseZombie
		s.initialized = true
		return nil
	}

	bucketRef, ok, err := s.bucket(ctx)
	if err != nil {
		return err
	}

	if !ok {
		if err := s.orphan(ctx); err != nil {
			return err
		}
		s.initialized = true
		return nil
	}

	if err := s.activate(ctx, bucketRef); err != nil {
		return err
	}

	pending, err := s.timer.Pending(ctx)
	if err != nil {
		s.log.Warn("failed to read pending alarm", "error", err)
	}
	s.pendingTimer = pending

	s.initialized = true
	return nil
}

// activate loads what an active supervisor keeps in memory.
func (s *Supervisor) activate(ctx context.Context, bucketRef string) error {
	in, err := s.envInput(ctx, bucketRef)
	if err != nil {
		return err
	}

	s.authToken = in.AuthToken
	s.env = Environment(in)
	s.phase = phaseActive

	return nil
}

// orphan tombstones a supervisor that has no bucket.
func (s *Supervisor) orphan(ctx context.Context) error {
	s.log.Debug("supervisor has no bucket, tombstoning")

	if err := s.store.Put(ctx, fieldDestroyed, true); err != nil {
		return err
	}

	s.cancelTimer(ctx)
	s.phase = phaseOrphan
	s.env = nil

	return nil
}

// reconcileZombie stops a registry record that still claims to be running
// after the supervisor was destroyed, e.g. because the patch during destroy
// failed.
func (s *Supervisor) reconcileZombie(ctx context.Context) {
	extID, err := s.externalID(ctx)
	if err != nil || extID == "" {
		return
	}

	info, ok, err := s.shutdownInfo(ctx)
	if err != nil || !ok || info.BucketRef == "" {
		return
	}

	rec, err := s.deps.Registry.Get(ctx, extID)
	if err != nil {
		s.log.Debug("registry record not readable during reconciliation", "session", extID, "error", err)
		return
	}

	if rec.Status == registry.StatusStopped {
		return
	}

	err = s.deps.Registry.Update(ctx, extID, info.BucketRef, registry.MarkStopped(info.Reason, info.At))
	if err != nil {
		s.log.Warn("failed to reconcile registry record", "session", extID, "error", err)
		return
	}

	s.log.Info("reconciled stale registry record", "session", extID, "status", rec.Status)
}

func (s *Supervisor) cancelTimer(ctx context.Context) {
	if err := s.timer.Cancel(ctx); err != nil {
		s.log.Error("failed to cancel alarm", "error", err)
	}

	s.pendingTimer = false
}

// BucketRef returns the configured bucket, if any.
func (s *Supervisor) BucketRef(ctx context.Context) (string, bool, error) {
	return s.bucket(ctx)
}

type Snapshot struct {
	ID                string            `json:"id" yaml:"id"`
	Phase             string            `json:"phase" yaml:"phase"`
	BucketRef         string            `json:"bucketRef,omitempty" yaml:"bucketRef,omitempty"`
	Destroyed         bool              `json:"destroyed" yaml:"destroyed"`
	SyncEnabled       bool              `json:"syncEnabled" yaml:"syncEnabled"`
	TabLayout         []TabSpec         `json:"tabLayout,omitempty" yaml:"tabLayout,omitempty"`
	SessionExternalID string            `json:"sessionExternalId,omitempty" yaml:"sessionExternalId,omitempty"`
	HasAuthToken      bool              `json:"hasAuthToken" yaml:"hasAuthToken"`
	HasCredentials    bool              `json:"hasCredentials" yaml:"hasCredentials"`
	LastShutdownInfo  *ShutdownInfo     `json:"lastShutdownInfo,omitempty" yaml:"lastShutdownInfo,omitempty"`
	PendingTimer      bool              `json:"pendingTimer" yaml:"pendingTimer"`
	AlarmAt           *time.Time        `json:"alarmAt,omitempty" yaml:"alarmAt,omitempty"`
	ProbeFailures     int               `json:"consecutiveProbeFailures" yaml:"consecutiveProbeFailures"`
	EnvKeys           []string          `json:"envKeys,omitempty" yaml:"envKeys,omitempty"`
	Env               map[string]string `json:"-" yaml:"-"`
}

// Snapshot reads the durable and in-memory state for debugging. Secrets are
// left out.
func (s *Supervisor) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		ID:            s.id,
		Phase:         s.phase.String(),
		PendingTimer:  s.pendingTimer,
		ProbeFailures: s.probeFailures,
	}

	var err error

	if snap.Destroyed, err = s.isDestroyed(ctx); err != nil {
		return snap, err
	}

	if snap.BucketRef, _, err = s.bucket(ctx); err != nil {
		return snap, err
	}

	if _, err = s.store.Get(ctx, fieldSyncEnabled, &snap.SyncEnabled); err != nil {
		return snap, err
	}

	if _, err = s.store.Get(ctx, fieldTabLayout, &snap.TabLayout); err != nil {
		return snap, err
	}

	if snap.SessionExternalID, err = s.externalID(ctx); err != nil {
		return snap, err
	}

	var token string
	if snap.HasAuthToken, err = s.store.Get(ctx, fieldAuthToken, &token); err != nil {
		return snap, err
	}

	var c creds.Credentials
	if snap.HasCredentials, err = s.store.Get(ctx, fieldCredentials, &c); err != nil {
		return snap, err
	}

	info, ok, err := s.shutdownInfo(ctx)
	if err != nil {
		return snap, err
	}
	if ok {
		snap.LastShutdownInfo = &info
	}

	a, ok, err := s.deps.Alarms.Get(ctx, s.id)
	if err != nil {
		return snap, err
	}
	if ok {
		snap.AlarmAt = &a.At
	}

	for k := range s.env {
		snap.EnvKeys = append(snap.EnvKeys, k)
	}
	slices.Sort(snap.EnvKeys)
	snap.Env = maps.Clone(s.env)

	return snap, nil
}
