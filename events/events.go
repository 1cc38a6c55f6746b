// Package events publishes workspace lifecycle notifications. Publishing is
// best-effort: a failed publish is logged and otherwise ignored.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type Type string

const (
	Started   Type = "started"
	Destroyed Type = "destroyed"
)

type Event struct {
	Type      Type      `json:"type"`
	Actor     string    `json:"actor"`
	Session   string    `json:"session,omitempty"`
	BucketRef string    `json:"bucketRef,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

type NATS struct {
	log     *slog.Logger
	nc      *nats.Conn
	subject string
}

var _ Publisher = (*NATS)(nil)

// DialNATS connects to url. Events are published on <subject>.<type>.
func DialNATS(log *slog.Logger, url, subject string) (*NATS, error) {
	log = log.With("module", "events-nats")

	nc, err := nats.Connect(url,
		nats.Name("workspace-supervisor"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	return &NATS{log: log, nc: nc, subject: subject}, nil
}

func (n *NATS) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	if err := n.nc.Publish(n.subject+"."+string(ev.Type), data); err != nil {
		n.log.Warn("failed to publish event", "type", ev.Type, "actor", ev.Actor, "error", err)
	}
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.events)
}

// Types lists the types of the recorded events, in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	var types []Type
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}

	return types
}
