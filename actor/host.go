// Package actor hosts keyed, single-threaded actors. Calls for one key run
// one at a time; calls for different keys run in parallel. Live instances are
// kept in a bounded cache and are rebuilt from durable storage on the next
// call after being evicted.
package actor

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/pkg/idgen"
	"miren.dev/workspace/storage"
)

// Actor is the behavior a hosted instance must provide. Init runs before
// every call; implementations memoize it for the life of the instance.
type Actor interface {
	Init(ctx context.Context) error
	Alarm(ctx context.Context) error
}

// Ref addresses an actor that is known to exist.
type Ref struct {
	ID   string
	Name string
}

type Factory[A Actor] func(id string) A

type HostOptions struct {
	// Namespace prefixes generated actor IDs.
	Namespace string

	// CacheSize bounds how many live instances are kept in memory.
	CacheSize int
}

const directoryActor = "_directory"

type Host[A Actor] struct {
	log     *slog.Logger
	dir     *storage.Store
	factory Factory[A]
	ns      string

	cache *lru.Cache[string, A]

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewHost[A Actor](log *slog.Logger, backend storage.Backend, factory Factory[A], opts HostOptions) (*Host[A], error) {
	if opts.Namespace == "" {
		opts.Namespace = "ws"
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}

	log = log.With("module", "actor-host")

	cache, err := lru.NewWithEvict(opts.CacheSize, func(id string, _ A) {
		log.Debug("actor suspended", "actor", id)
	})
	if err != nil {
		return nil, err
	}

	return &Host[A]{
		log:     log,
		dir:     storage.NewStore(backend, directoryActor),
		factory: factory,
		ns:      opts.Namespace,
		cache:   cache,
		locks:   make(map[string]*keyLock),
	}, nil
}

func nameField(name string) string { return "name/" + name }
func idField(id string) string     { return "id/" + id }

// Get resolves name to its actor, creating the actor on first use.
func (h *Host[A]) Get(ctx context.Context, name string) (Ref, error) {
	if name == "" {
		return Ref{}, cond.ValidationFailure("name", "must not be empty")
	}

	if strings.Contains(name, "/") {
		return Ref{}, cond.ValidationFailure("name", "must not contain '/'")
	}

	var id string
	ok, err := h.dir.Get(ctx, nameField(name), &id)
	if err != nil {
		return Ref{}, err
	}

	if ok {
		return Ref{ID: id, Name: name}, nil
	}

	// Register the ID before publishing the name so a Lookup can never miss
	// an ID that Get handed out.
	fresh := idgen.GenNS(h.ns)
	if err := h.dir.Put(ctx, idField(fresh), name); err != nil {
		return Ref{}, err
	}

	created, err := h.dir.PutIfAbsent(ctx, nameField(name), fresh, &id)
	if err != nil {
		return Ref{}, err
	}

	if created {
		h.log.Info("actor created", "actor", id, "name", name)
	} else if err := h.dir.Delete(ctx, idField(fresh)); err != nil {
		h.log.Warn("failed to remove unused actor id", "actor", fresh, "error", err)
	}

	return Ref{ID: id, Name: name}, nil
}

// Find resolves name to an existing actor without creating one. Names Get
// would refuse are never found.
func (h *Host[A]) Find(ctx context.Context, name string) (Ref, error) {
	if name == "" || strings.Contains(name, "/") {
		return Ref{}, cond.NotFound("session", name)
	}

	var id string
	ok, err := h.dir.Get(ctx, nameField(name), &id)
	if err != nil {
		return Ref{}, err
	}

	if !ok {
		return Ref{}, cond.NotFound("session", name)
	}

	return Ref{ID: id, Name: name}, nil
}

// Lookup returns the actor with the given durable ID. It never creates one;
// unknown IDs are reported as not found.
func (h *Host[A]) Lookup(ctx context.Context, id string) (Ref, error) {
	if !idgen.Valid(h.ns, id) {
		return Ref{}, cond.NotFound("actor", id)
	}

	var name string
	ok, err := h.dir.Get(ctx, idField(id), &name)
	if err != nil {
		return Ref{}, err
	}

	if !ok {
		return Ref{}, cond.NotFound("actor", id)
	}

	return Ref{ID: id, Name: name}, nil
}

// Do runs fn against the actor's live instance while holding its key lock.
// The instance is activated and initialized first if needed.
func (h *Host[A]) Do(ctx context.Context, ref Ref, fn func(ctx context.Context, a A) error) error {
	unlock, err := h.lock(ctx, ref.ID)
	if err != nil {
		return err
	}
	defer unlock()

	a, ok := h.cache.Get(ref.ID)
	if !ok {
		h.log.Debug("activating actor", "actor", ref.ID)
		a = h.factory(ref.ID)
		h.cache.Add(ref.ID, a)
	}

	if err := a.Init(ctx); err != nil {
		return err
	}

	return fn(ctx, a)
}

// Deliver runs the alarm handler of the actor with the given ID.
func (h *Host[A]) Deliver(ctx context.Context, id string) error {
	return h.Do(ctx, Ref{ID: id}, func(ctx context.Context, a A) error {
		return a.Alarm(ctx)
	})
}

// Suspend drops the live instance for id. The next call rebuilds it from
// storage.
func (h *Host[A]) Suspend(ctx context.Context, id string) error {
	unlock, err := h.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	h.cache.Remove(id)
	return nil
}

// Live reports how many instances are currently in memory.
func (h *Host[A]) Live() int {
	return h.cache.Len()
}

func (h *Host[A]) lock(ctx context.Context, key string) (func(), error) {
	h.mu.Lock()
	kl, ok := h.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		h.locks[key] = kl
	}
	kl.refs++
	h.mu.Unlock()

	release := func() {
		h.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(h.locks, key)
		}
		h.mu.Unlock()
	}

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}

	return func() {
		<-kl.sem
		release()
	}, nil
}
