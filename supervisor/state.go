package supervisor

import (
	"context"
	"time"

	"miren.dev/workspace/creds"
)

// Persisted fields. Each is stored under its own key so a partially written
// state is still readable; an absent key reads as the zero value.
const (
	fieldBucketRef    = "bucketRef"
	fieldCredentials  = "credentials"
	fieldSyncEnabled  = "syncEnabled"
	fieldTabLayout    = "tabLayout"
	fieldAuthToken    = "authToken"
	fieldDestroyed    = "destroyed"
	fieldExternalID   = "sessionExternalId"
	fieldShutdownInfo = "lastShutdownInfo"
)

// Shutdown reasons.
const (
	ReasonIdleTimeout      = "idle-timeout"
	ReasonProbeUnreachable = "probe-unreachable"
	ReasonSandboxStopped   = "sandbox-reported-stopped"
	ReasonExplicit         = "explicit-destroy"
	ReasonForced           = "admin-force-destroy"
	ReasonOrphaned         = "orphaned"
)

type TabSpec struct {
	Title   string `json:"title" cbor:"title" yaml:"title"`
	Command string `json:"command,omitempty" cbor:"command,omitempty" yaml:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty" cbor:"cwd,omitempty" yaml:"cwd,omitempty"`
}

type ShutdownInfo struct {
	Reason  string    `json:"reason" cbor:"reason" yaml:"reason"`
	At      time.Time `json:"at" cbor:"at" yaml:"at"`
	Details string    `json:"details,omitempty" cbor:"details,omitempty" yaml:"details,omitempty"`

	// BucketRef is the bucket the session had when it was shut down. It lets
	// a later activation find the registry record after the bucket field
	// itself has been cleared.
	BucketRef string `json:"bucketRef,omitempty" cbor:"bucket_ref,omitempty" yaml:"bucketRef,omitempty"`
}

// phase is what the initialization barrier classified the instance as.
type phase int

const (
	phaseUnknown phase = iota
	phaseZombie
	phaseOrphan
	phaseActive
)

func (p phase) String() string {
	switch p {
	case phaseZombie:
		return "zombie"
	case phaseOrphan:
		return "orphan"
	case phaseActive:
		return "active"
	default:
		return "uninitialized"
	}
}

func (s *Supervisor) isDestroyed(ctx context.Context) (bool, error) {
	var destroyed bool
	_, err := s.store.Get(ctx, fieldDestroyed, &destroyed)
	return destroyed, err
}

func (s *Supervisor) bucket(ctx context.Context) (string, bool, error) {
	var ref string
	ok, err := s.store.Get(ctx, fieldBucketRef, &ref)
	if err != nil || !ok || ref == "" {
		return "", false, err
	}

	return ref, true, nil
}

func (s *Supervisor) externalID(ctx context.Context) (string, error) {
	var id string
	_, err := s.store.Get(ctx, fieldExternalID, &id)
	return id, err
}

func (s *Supervisor) shutdownInfo(ctx context.Context) (ShutdownInfo, bool, error) {
	var info ShutdownInfo
	ok, err := s.store.Get(ctx, fieldShutdownInfo, &info)
	return info, ok, err
}

// envInput loads everything the environment bundle is derived from.
func (s *Supervisor) envInput(ctx context.Context, bucketRef string) (EnvInput, error) {
	in := EnvInput{BucketRef: bucketRef}

	if _, err := s.store.Get(ctx, fieldSyncEnabled, &in.SyncEnabled); err != nil {
		return in, err
	}

	if _, err := s.store.Get(ctx, fieldTabLayout, &in.TabLayout); err != nil {
		return in, err
	}

	if _, err := s.store.Get(ctx, fieldAuthToken, &in.AuthToken); err != nil {
		return in, err
	}

	in.Credentials = s.resolveCredentials(ctx)

	return in, nil
}

// resolveCredentials merges the actor's own credentials with the injected
// default and, for anything still missing, the lazy resolver. Failures are
// logged; missing fields end up as empty strings in the environment.
func (s *Supervisor) resolveCredentials(ctx context.Context) creds.Credentials {
	var own creds.Credentials
	if _, err := s.store.Get(ctx, fieldCredentials, &own); err != nil {
		s.log.Error("failed to load credentials", "error", err)
	}

	c := own.Merge(s.deps.DefaultCredentials)

	if complete(c) || s.deps.Resolver == nil {
		return c
	}

	resolved, err := s.deps.Resolver.Resolve(ctx)
	if err != nil {
		s.log.Warn("failed to resolve storage credentials", "error", err)
		return c
	}

	return c.Merge(resolved)
}

func complete(c creds.Credentials) bool {
	return c.AccessKey != "" && c.SecretKey != "" && c.AccountRef != "" && c.Endpoint != ""
}
