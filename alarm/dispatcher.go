package alarm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Deliverer receives due alarms. A nil return acknowledges the alarm; any
// error leaves it in the store to be delivered again on a later poll.
type Deliverer interface {
	Deliver(ctx context.Context, key string) error
}

type DispatcherOptions struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Dispatcher struct {
	log    *slog.Logger
	store  Store
	target Deliverer
	opts   DispatcherOptions

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewDispatcher(log *slog.Logger, store Store, target Deliverer, opts DispatcherOptions) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Dispatcher{
		log:      log.With("module", "alarm-dispatcher"),
		store:    store,
		target:   target,
		opts:     opts,
		inflight: make(map[string]struct{}),
	}
}

// Run polls the store until ctx is done. Deliveries that are still running
// when ctx is cancelled are waited for before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.log.Info("alarm dispatcher started", "interval", d.opts.Interval, "concurrency", d.opts.Concurrency)

	for {
		d.dispatch(ctx, &g, false)

		select {
		case <-ctx.Done():
			g.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs a single poll and waits for every delivery it started.
func (d *Dispatcher) Tick(ctx context.Context) int {
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)

	n := d.dispatch(ctx, &g, true)
	g.Wait()

	return n
}

func (d *Dispatcher) dispatch(ctx context.Context, g *errgroup.Group, wait bool) int {
	due, err := d.store.Due(ctx, d.opts.Now(), d.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("failed to list due alarms", "error", err)
		}
		return 0
	}

	var started int

	for _, a := range due {
		if !d.claim(a.Key) {
			continue
		}

		fn := func() error {
			defer d.release(a.Key)
			d.deliver(ctx, a)
			return nil
		}

		if wait {
			g.Go(fn)
		} else if !g.TryGo(fn) {
			// Pool is saturated, the alarm stays due for the next poll.
			d.release(a.Key)
			continue
		}

		started++
	}

	return started
}

func (d *Dispatcher) deliver(ctx context.Context, a Alarm) {
	d.log.Debug("delivering alarm", "key", a.Key, "at", a.At, "gen", a.Gen)

	err := d.target.Deliver(ctx, a.Key)
	if err != nil {
		d.log.Error("alarm delivery failed, will redeliver", "key", a.Key, "error", err)
		return
	}

	err = d.store.Ack(ctx, a.Key, a.Gen)
	if err != nil {
		d.log.Error("failed to ack alarm", "key", a.Key, "gen", a.Gen, "error", err)
	}
}

func (d *Dispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.inflight[key]; ok {
		return false
	}

	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, key)
}
