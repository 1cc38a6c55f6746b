package supervisor

import (
	"context"
	"fmt"

	"miren.dev/workspace/registry"
)

// Alarm is the timer handler. Every step is a guard that may end the cycle;
// the tombstone is read from storage before anything else so that a stale
// wake-up can never reach the sandbox.
func (s *Supervisor) Alarm(ctx context.Context) error {
	destroyed, err := s.isDestroyed(ctx)
	if err != nil {
		s.deps.Metrics.alarm("error")
		return err
	}

	if destroyed {
		s.log.Debug("alarm fired on tombstoned supervisor")
		s.cancelTimer(ctx)
		s.phase = phaseZombie
		s.deps.Metrics.alarm("zombie")
		return nil
	}

	bucketRef, ok, err := s.bucket(ctx)
	if err != nil {
		s.deps.Metrics.alarm("error")
		return err
	}

	if !ok {
		s.deps.Metrics.alarm("orphan")
		return s.orphan(ctx)
	}

	status, err := s.sandbox.Status(ctx)
	if err != nil {
		// Not knowing is not the same as stopped.
		s.log.Warn("sandbox status unavailable, skipping this cycle", "error", err)
		s.deps.Metrics.alarm("status-error")
		s.reschedule(ctx)
		return nil
	}

	if status.IsTerminal() {
		s.deps.Metrics.alarm("destroyed")
		return s.destroy(ctx, ReasonSandboxStopped, fmt.Sprintf("sandbox status %s", status), false)
	}

	if !status.IsLive() {
		// Probing a sandbox that is not serving could start it again. Its
		// own dormancy handles the rest; traffic schedules a new alarm.
		s.log.Info("sandbox not live, stopping activity polling", "status", status)
		s.cancelTimer(ctx)
		s.deps.Metrics.alarm("not-live")
		return nil
	}

	act, err := s.probe(ctx)
	if err != nil {
		s.probeFailures++
		s.deps.Metrics.probe("failed")

		s.log.Warn("activity probe exhausted retries",
			"consecutive_failures", s.probeFailures,
			"threshold", s.opts.FailureThreshold,
			"error", err,
		)

		if s.probeFailures >= s.opts.FailureThreshold {
			s.deps.Metrics.alarm("destroyed")
			return s.destroy(ctx, ReasonProbeUnreachable,
				fmt.Sprintf("%d consecutive failed probes: %s", s.probeFailures, err), false)
		}

		s.deps.Metrics.alarm("rescheduled")
		s.reschedule(ctx)
		return nil
	}

	s.probeFailures = 0
	s.deps.Metrics.probe("ok")

	// Compared in milliseconds; large reports overflow a time.Duration.
	var idleMs int64
	if act.IdleDurationMs != nil {
		idleMs = *act.IdleDurationMs
	}

	s.recordActivity(ctx, bucketRef, registry.Metrics{
		ActiveConnections: act.HasActiveConnections,
		IdleDurationMs:    idleMs,
	})

	if !act.HasActiveConnections && idleMs > s.opts.IdleTimeout.Milliseconds() {
		s.deps.Metrics.alarm("destroyed")
		return s.destroy(ctx, ReasonIdleTimeout,
			fmt.Sprintf("idle for %dms, limit %s", idleMs, s.opts.IdleTimeout), false)
	}

	s.deps.Metrics.alarm("rescheduled")
	s.reschedule(ctx)
	return nil
}

// reschedule sets the single pending alarm one poll interval out. A failed
// schedule is retried once and then left for the next request to recover.
func (s *Supervisor) reschedule(ctx context.Context) {
	at := s.now().Add(s.opts.PollInterval)

	err := s.timer.ScheduleAt(ctx, at)
	if err != nil {
		s.log.Warn("failed to schedule alarm, retrying", "error", err)
		err = s.timer.ScheduleAt(ctx, at)
	}

	if err != nil {
		s.log.Error("failed to schedule alarm", "error", err)
		s.pendingTimer = false
		return
	}

	s.pendingTimer = true
}

func (s *Supervisor) recordActivity(ctx context.Context, bucketRef string, m registry.Metrics) {
	extID, err := s.externalID(ctx)
	if err != nil || extID == "" {
		return
	}

	m.ProbeFailures = s.probeFailures

	err = s.deps.Registry.Update(ctx, extID, bucketRef, registry.RecordActivity(m, s.now()))
	if err != nil {
		s.log.Debug("failed to record activity in registry", "session", extID, "error", err)
	}
}
