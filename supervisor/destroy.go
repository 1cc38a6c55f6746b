package supervisor

import (
	"context"

	"miren.dev/workspace/events"
	"miren.dev/workspace/registry"
)

// Destroy tears the session down on request. Calling it on a supervisor that
// is already destroyed only records the shutdown again, if no unread record
// exists.
func (s *Supervisor) Destroy(ctx context.Context, details string) error {
	return s.destroy(ctx, ReasonExplicit, details, false)
}

// ForceDestroy is the operator's teardown. It skips every liveness check,
// always overwrites the shutdown record and always asks the sandbox to go
// away, since the sandbox's destroy never starts it.
func (s *Supervisor) ForceDestroy(ctx context.Context, details string) error {
	return s.destroy(ctx, ReasonForced, details, true)
}

func (s *Supervisor) destroy(ctx context.Context, reason, details string, force bool) error {
	if s.destroying {
		s.log.Debug("destroy already in progress", "reason", reason)
		return nil
	}

	s.destroying = true
	defer func() { s.destroying = false }()

	wasDestroyed, err := s.isDestroyed(ctx)
	if err != nil {
		return err
	}

	bucketRef, hasBucket, err := s.bucket(ctx)
	if err != nil {
		return err
	}

	extID, err := s.externalID(ctx)
	if err != nil {
		s.log.Warn("failed to read session id", "error", err)
	}

	now := s.now()

	s.recordShutdown(ctx, ShutdownInfo{
		Reason:    reason,
		At:        now,
		Details:   details,
		BucketRef: bucketRef,
	}, force)

	if extID != "" && hasBucket {
		err := s.deps.Registry.Update(ctx, extID, bucketRef, registry.MarkStopped(reason, now))
		if err != nil {
			s.log.Warn("failed to mark session stopped in registry", "session", extID, "error", err)
		}
	}

	// Nothing below may run before the tombstone is durable.
	if err := s.store.Put(ctx, fieldDestroyed, true); err != nil {
		return err
	}

	s.cancelTimer(ctx)

	if err := s.store.Delete(ctx, fieldBucketRef, fieldSyncEnabled, fieldTabLayout); err != nil {
		s.log.Error("failed to clear session fields", "error", err)
	}

	s.phase = phaseZombie
	s.probeFailures = 0
	s.env = nil

	if wasDestroyed && !force {
		s.log.Info("supervisor already destroyed", "reason", reason)
		return nil
	}

	if err := s.sandbox.Destroy(ctx); err != nil {
		s.log.Error("failed to destroy sandbox", "error", err)
	}

	s.log.Info("supervisor destroyed", "reason", reason, "bucket", bucketRef, "details", details)

	s.deps.Metrics.destroyed(reason)
	s.deps.Events.Publish(ctx, events.Event{
		Type:      events.Destroyed,
		Actor:     s.id,
		Session:   extID,
		BucketRef: bucketRef,
		Reason:    reason,
		At:        now,
	})

	return nil
}

// recordShutdown stores info unless an unread record exists and force is
// not set.
func (s *Supervisor) recordShutdown(ctx context.Context, info ShutdownInfo, force bool) {
	if !force {
		prev, ok, err := s.shutdownInfo(ctx)
		if err != nil {
			s.log.Warn("failed to read shutdown info", "error", err)
		}

		if ok {
			s.log.Debug("keeping unread shutdown info", "previous", prev.Reason, "reason", info.Reason)
			return
		}
	}

	if err := s.store.Put(ctx, fieldShutdownInfo, info); err != nil {
		s.log.Warn("failed to record shutdown info", "error", err)
	}
}
