// Package sandboxtest provides a scriptable in-memory sandbox provider that
// records every call made against it.
package sandboxtest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"

	"miren.dev/workspace/sandbox"
)

type Provider struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

var _ sandbox.Provider = (*Provider)(nil)

func NewProvider() *Provider {
	return &Provider{handles: make(map[string]*Handle)}
}

func (p *Provider) Handle(actorID string) sandbox.Handle {
	return p.For(actorID)
}

// For returns the fake for actorID, creating it in the stopped state.
func (p *Provider) For(actorID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[actorID]
	if !ok {
		h = &Handle{status: sandbox.StatusStopped}
		p.handles[actorID] = h
	}

	return h
}

type probe struct {
	activity sandbox.Activity
	err      error
}

var ErrProbe = errors.New("sandbox unreachable")

type Handle struct {
	mu        sync.Mutex
	status    sandbox.Status
	statusErr error
	calls     []string
	env       map[string]string
	probes    []probe
	lastProbe *probe
	lastAuth  string
	body      func() io.ReadCloser
}

var _ sandbox.Handle = (*Handle)(nil)

func (h *Handle) record(call string) {
	h.calls = append(h.calls, call)
}

func (h *Handle) SetStatus(s sandbox.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status = s
}

// SetStatusError makes Status fail until cleared with nil.
func (h *Handle) SetStatusError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.statusErr = err
}

// Activity queues a successful activity report. Once the queue drains the
// last result handed out is repeated.
// SetBody makes proxied requests answer 200 with the body fn returns.
func (h *Handle) SetBody(fn func() io.ReadCloser) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.body = fn
}

func (h *Handle) Activity(active bool, idleMs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.probes = append(h.probes, probe{activity: sandbox.Activity{
		HasActiveConnections: active,
		IdleDurationMs:       &idleMs,
	}})
}

// Unreachable queues n failing activity requests.
func (h *Handle) Unreachable(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for range n {
		h.probes = append(h.probes, probe{err: ErrProbe})
	}
}

// Calls returns every call made so far, in order.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.calls)
}

func (h *Handle) Count(call string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var n int
	for _, c := range h.calls {
		if c == call {
			n++
		}
	}

	return n
}

// Reset forgets recorded calls.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = nil
}

func (h *Handle) Env() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return maps.Clone(h.env)
}

func (h *Handle) LastAuthorization() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastAuth
}

func (h *Handle) CurrentStatus() sandbox.Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status
}

func (h *Handle) Status(ctx context.Context) (sandbox.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record("status")

	if h.statusErr != nil {
		return sandbox.StatusUnknown, h.statusErr
	}

	return h.status, nil
}

func (h *Handle) Start(ctx context.Context, opts sandbox.StartOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record("start")
	h.env = maps.Clone(opts.Env)
	h.status = sandbox.StatusRunning

	return nil
}

// Fetch behaves like a real sandbox would: a stopped sandbox is brought back
// to serve the request.
func (h *Handle) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record("fetch")
	h.lastAuth = req.Header.Get("Authorization")

	if h.status == sandbox.StatusStopped {
		h.status = sandbox.StatusRunning
	}

	rec := httptest.NewRecorder()

	if req.URL.Path != sandbox.ActivityPath && h.body != nil {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       h.body(),
		}, nil
	}

	if req.URL.Path != sandbox.ActivityPath {
		rec.WriteString("ok " + req.URL.Path)
		return rec.Result(), nil
	}

	if len(h.probes) > 0 {
		next := h.probes[0]
		h.lastProbe = &next
		h.probes = h.probes[1:]
	}

	if h.lastProbe == nil {
		return nil, ErrProbe
	}

	p := *h.lastProbe

	if p.err != nil {
		return nil, p.err
	}

	rec.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rec).Encode(p.activity); err != nil {
		return nil, err
	}

	return rec.Result(), nil
}

func (h *Handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record("destroy")
	h.status = sandbox.StatusStopped

	return nil
}

// ReadBody drains and closes resp.Body.
func ReadBody(resp *http.Response) string {
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
