// Package registry is the shared session registry read by the rest of the
// application. Records are denormalized copies of what each supervisor
// believes about its session; writes are last-writer-wins per record.
package registry

import (
	"context"
	"time"

	"miren.dev/workspace/pkg/cond"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

type Metrics struct {
	ActiveConnections bool  `json:"activeConnections" cbor:"active_connections" yaml:"activeConnections"`
	IdleDurationMs    int64 `json:"idleDurationMs" cbor:"idle_duration_ms" yaml:"idleDurationMs"`
	ProbeFailures     int   `json:"probeFailures" cbor:"probe_failures" yaml:"probeFailures"`
}

type Session struct {
	ID             string     `json:"id" cbor:"id" yaml:"id"`
	BucketRef      string     `json:"bucketRef" cbor:"bucket_ref" yaml:"bucketRef"`
	Status         Status     `json:"status" cbor:"status" yaml:"status"`
	CreatedAt      time.Time  `json:"createdAt" cbor:"created_at" yaml:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt" cbor:"updated_at" yaml:"updatedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty" cbor:"started_at,omitempty" yaml:"startedAt,omitempty"`
	StoppedAt      *time.Time `json:"stoppedAt,omitempty" cbor:"stopped_at,omitempty" yaml:"stoppedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty" cbor:"last_activity_at,omitempty" yaml:"lastActivityAt,omitempty"`
	ShutdownReason string     `json:"shutdownReason,omitempty" cbor:"shutdown_reason,omitempty" yaml:"shutdownReason,omitempty"`
	Metrics        Metrics    `json:"metrics" cbor:"metrics" yaml:"metrics"`
}

type Registry interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, s Session) error

	// Update applies fn to the record with the given id. It fails with
	// NotFound if there is no such record and with Conflict if the record
	// belongs to a different bucket.
	Update(ctx context.Context, id, bucketRef string, fn func(*Session)) error

	Close() error
}

// apply runs the checks shared by every backend's Update.
func apply(s *Session, id, bucketRef string, fn func(*Session), now time.Time) error {
	if s.BucketRef != bucketRef {
		return cond.Conflict("session", id)
	}

	fn(s)
	s.ID = id
	s.BucketRef = bucketRef
	s.UpdatedAt = now

	return nil
}

// MarkStopped is the patch applied when a supervisor tears its session down.
func MarkStopped(reason string, at time.Time) func(*Session) {
	return func(s *Session) {
		s.Status = StatusStopped
		s.ShutdownReason = reason
		s.StoppedAt = &at
		s.Metrics.ActiveConnections = false
	}
}

// MarkRunning is applied when the sandbox is (re)started for traffic.
func MarkRunning(at time.Time) func(*Session) {
	return func(s *Session) {
		if s.Status != StatusRunning {
			s.StartedAt = &at
		}
		s.Status = StatusRunning
		s.StoppedAt = nil
		s.ShutdownReason = ""
		s.LastActivityAt = &at
	}
}

// RecordActivity stores the result of a successful activity probe.
func RecordActivity(m Metrics, at time.Time) func(*Session) {
	return func(s *Session) {
		s.Metrics = m
		if m.ActiveConnections {
			s.LastActivityAt = &at
		}
	}
}
