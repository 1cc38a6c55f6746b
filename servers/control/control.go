// Package control serves the session control API: configuring, reading and
// destroying sessions, proxying to their sandboxes and a small admin surface.
package control

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/registry"
	"miren.dev/workspace/supervisor"
)

const maxBodySize = 1 << 20

type Options struct {
	// Debug registers GET /sessions/{name}/debug.
	Debug bool

	// AdminToken gates the /admin routes. Admin routes are refused when it
	// is empty.
	AdminToken string

	// Gatherer backs GET /metrics when set.
	Gatherer prometheus.Gatherer

	// RequestTimeout bounds every route except the sandbox proxy, whose
	// responses may stream. Zero means no limit.
	RequestTimeout time.Duration

	Now func() time.Time
}

type Server struct {
	log      *slog.Logger
	mgr      *supervisor.Manager
	registry registry.Registry
	opts     Options

	mux *http.ServeMux
}

func NewServer(log *slog.Logger, mgr *supervisor.Manager, reg registry.Registry, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		log:      log.With("module", "control"),
		mgr:      mgr,
		registry: reg,
		opts:     opts,
		mux:      http.NewServeMux(),
	}

	s.handle("POST /sessions/{name}/configure", http.HandlerFunc(s.configure))
	s.handle("GET /sessions/{name}/bucket", http.HandlerFunc(s.bucket))
	s.handle("DELETE /sessions/{name}", http.HandlerFunc(s.destroy))

	s.mux.HandleFunc("/sessions/{name}/sandbox/{path...}", s.proxy)

	if opts.Debug {
		s.handle("GET /sessions/{name}/debug", http.HandlerFunc(s.debug))
	}

	s.handle("POST /admin/actors/{id}/destroy", s.admin(s.forceDestroy))
	s.handle("GET /admin/registry/{id}", s.admin(s.registryRecord))

	if opts.Gatherer != nil {
		s.handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

func (s *Server) handle(pattern string, h http.Handler) {
	if s.opts.RequestTimeout > 0 {
		h = http.TimeoutHandler(h, s.opts.RequestTimeout, "request timed out")
	}

	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

type okResponse struct {
	OK bool `json:"ok"`
}

type bucketResponse struct {
	BucketRef *string `json:"bucketRef"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) configure(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	name := req.PathValue("name")

	var cr supervisor.ConfigureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodySize)).Decode(&cr); err != nil {
		s.writeError(w, req, cond.ValidationFailure("configure", fmt.Sprintf("invalid request body: %s", err)))
		return
	}

	id, err := s.mgr.Configure(ctx, name, cr)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	if cr.ExternalSessionID != "" {
		s.ensureRecord(req, cr.ExternalSessionID, cr.BucketRef)
	}

	s.log.Info("session configured", "name", name, "actor", id)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// ensureRecord creates the pending registry record for a newly configured
// session. An existing record is left alone.
func (s *Server) ensureRecord(req *http.Request, id, bucketRef string) {
	ctx := req.Context()

	_, err := s.registry.Get(ctx, id)
	if err == nil {
		return
	}

	if !errors.Is(err, cond.ErrNotFound{}) {
		s.log.Warn("failed to read session record", "session", id, "error", err)
		return
	}

	now := s.opts.Now()
	err = s.registry.Put(ctx, registry.Session{
		ID:        id,
		BucketRef: bucketRef,
		Status:    registry.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		s.log.Warn("failed to create session record", "session", id, "error", err)
	}
}

func (s *Server) bucket(w http.ResponseWriter, req *http.Request) {
	ref, ok, err := s.mgr.BucketRef(req.Context(), req.PathValue("name"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	var resp bucketResponse
	if ok {
		resp.BucketRef = &ref
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) destroy(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")

	if err := s.mgr.Destroy(req.Context(), name, "control api"); err != nil {
		s.writeError(w, req, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) debug(w http.ResponseWriter, req *http.Request) {
	snap, err := s.mgr.Snapshot(req.Context(), req.PathValue("name"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (s *Server) proxy(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	name := req.PathValue("name")

	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL.Path = "/" + req.PathValue("path")
	out.URL.RawPath = ""
	out.Header.Del("Authorization")
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := s.mgr.Fetch(ctx, name, out)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}

	w.WriteHeader(resp.StatusCode)

	fw := flushWriter{w: w, rc: http.NewResponseController(w)}
	if err := fw.flush(); err != nil {
		s.log.Debug("proxy flush failed", "name", name, "error", err)
		return
	}

	if _, err := io.Copy(fw, resp.Body); err != nil {
		s.log.Debug("proxy copy ended early", "name", name, "error", err)
	}
}

// flushWriter flushes after every write so streamed sandbox responses reach
// the client as they are produced.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}

	return n, f.flush()
}

func (f flushWriter) flush() error {
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}

	return nil
}

func (s *Server) admin(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.opts.AdminToken == "" {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin api disabled", Code: "forbidden"})
			return
		}

		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid admin token", Code: "unauthorized"})
			return
		}

		fn(w, req)
	})
}

func (s *Server) forceDestroy(w http.ResponseWriter, req *http.Request) {
	details := req.URL.Query().Get("details")
	if details == "" {
		details = "admin api"
	}

	if err := s.mgr.ForceDestroy(req.Context(), req.PathValue("id"), details); err != nil {
		s.writeError(w, req, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) registryRecord(w http.ResponseWriter, req *http.Request) {
	rec, err := s.registry.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// StatusFor maps an error's condition code onto an HTTP status.
func StatusFor(err error) int {
	switch cond.Code(err) {
	case "validation-failure":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	case "not-found":
		return http.StatusNotFound
	case "unavailable":
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := StatusFor(err)

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
	} else {
		s.log.Debug("request rejected", "method", req.Method, "path", req.URL.Path, "status", status, "error", err)
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: cond.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
