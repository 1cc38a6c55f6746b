package supervisor

import (
	"context"
	"net/http"

	"miren.dev/workspace/events"
	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/registry"
	"miren.dev/workspace/sandbox"
)

// Fetch forwards a request to the sandbox, starting it first if needed. A
// destroyed or unconfigured supervisor refuses without touching the sandbox.
func (s *Supervisor) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	destroyed, err := s.isDestroyed(ctx)
	if err != nil {
		return nil, err
	}

	if destroyed {
		return nil, cond.Unavailable("session", "destroyed")
	}

	bucketRef, ok, err := s.bucket(ctx)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, cond.Unavailable("session", "not configured")
	}

	if s.env == nil {
		if err := s.activate(ctx, bucketRef); err != nil {
			return nil, err
		}
	}

	if err := s.sandbox.Start(ctx, sandbox.StartOptions{Env: s.env}); err != nil {
		return nil, err
	}

	if !s.pendingTimer {
		s.reschedule(ctx)
		s.markRunning(ctx, bucketRef)
	}

	req.Header.Set("Authorization", "Bearer "+s.authToken)

	return s.sandbox.Fetch(ctx, req)
}

// markRunning is called when a new polling cycle begins with traffic.
func (s *Supervisor) markRunning(ctx context.Context, bucketRef string) {
	extID, err := s.externalID(ctx)
	if err != nil {
		s.log.Warn("failed to read session id", "error", err)
	}

	now := s.now()

	if extID != "" {
		err := s.deps.Registry.Update(ctx, extID, bucketRef, registry.MarkRunning(now))
		if err != nil {
			s.log.Warn("failed to mark session running in registry", "session", extID, "error", err)
		}
	}

	s.log.Info("sandbox serving traffic, activity polling started", "bucket", bucketRef)

	s.deps.Events.Publish(ctx, events.Event{
		Type:      events.Started,
		Actor:     s.id,
		Session:   extID,
		BucketRef: bucketRef,
		At:        now,
	})
}
