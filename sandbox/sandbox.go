// Package sandbox is the control surface of the compute sandbox owned by a
// workspace. Status and Fetch may start a stopped sandbox as a side effect;
// callers that must not bring a sandbox back decide that before calling them.
package sandbox

import (
	"context"
	"net/http"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusHealthy  Status = "healthy"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusUnknown  Status = "unknown"
)

// IsLive reports whether the sandbox is serving and safe to probe.
func (s Status) IsLive() bool {
	return s == StatusRunning || s == StatusHealthy
}

func (s Status) IsTerminal() bool {
	return s == StatusStopped
}

type StartOptions struct {
	Env map[string]string
}

type Handle interface {
	Status(ctx context.Context) (Status, error)
	Start(ctx context.Context, opts StartOptions) error

	// Fetch forwards req to the sandbox. The request URL's path and query are
	// kept, scheme and host are replaced with the sandbox's address.
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)

	// Destroy tears the sandbox down. It never starts it.
	Destroy(ctx context.Context) error
}

type Provider interface {
	Handle(actorID string) Handle
}

// ActivityPath is served by every sandbox and reports whether it is in use.
const ActivityPath = "/activity"

type Activity struct {
	HasActiveConnections bool   `json:"hasActiveConnections"`
	IdleDurationMs       *int64 `json:"idleDurationMs"`
}
