// Package api exposes shell provisioning, lifecycle, peer enrollment,
// provisioning jobs and one-shot code runs over HTTP with JSON bodies.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/cloudshell/internal/jobs"
	"github.com/terrpan/cloudshell/internal/lifecycle"
	"github.com/terrpan/cloudshell/internal/provision"
	"github.com/terrpan/cloudshell/internal/quickcode"
	"github.com/terrpan/cloudshell/internal/shellerr"
	"github.com/terrpan/cloudshell/internal/wgpeer"
)

// Kinds reported by the HTTP layer itself, alongside shellerr kinds.
const (
	KindInvalidRequest = string(shellerr.InvalidRequest)
	KindJobNotFound    = "job_not_found"
	KindQueueFull      = "queue_full"
)

// Provisioner creates shells.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (provision.Result, error)
}

// Lifecycle transitions existing shells.
type Lifecycle interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (lifecycle.Status, error)
}

// Enroller enrolls shells into the tunnel network.
type Enroller interface {
	Enroll(ctx context.Context, id string) (wgpeer.PeerConfig, error)
}

// Jobs runs provisioning asynchronously.
type Jobs interface {
	Submit(req provision.Request, maxAttempts int, interval time.Duration) (string, error)
	Get(id string) (jobs.Job, error)
}

// QuickCode runs one-shot commands.
type QuickCode interface {
	Run(ctx context.Context, req quickcode.Request) (quickcode.Result, error)
}

// Config holds the Server's dependencies.
type Config struct {
	Provisioner Provisioner
	Lifecycle   Lifecycle
	Enroller    Enroller
	Jobs        Jobs

	// QuickCode is optional; POST /run is only served when it is set.
	QuickCode QuickCode

	// Defaults for POST /jobs when the request omits them.
	MaxAttempts   int
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	s.handle(mux, "POST /shells", s.createShell)
	s.handle(mux, "GET /shells/{id}", s.shellStatus)
	s.handle(mux, "POST /shells/{id}/start", s.startShell)
	s.handle(mux, "POST /shells/{id}/stop", s.stopShell)
	s.handle(mux, "DELETE /shells/{id}", s.deleteShell)
	s.handle(mux, "POST /shells/{id}/peer", s.enrollPeer)
	s.handle(mux, "POST /jobs", s.submitJob)
	s.handle(mux, "GET /jobs/{id}", s.getJob)
	if s.cfg.QuickCode != nil {
		s.handle(mux, "POST /run", s.runCode)
	}
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, otelhttp.NewHandler(s.logRequests(h), pattern))
}

func (s *Server) logRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(h, w, r)
		level := slog.LevelInfo
		if m.Code >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.LogAttrs(r.Context(), level, "request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", m.Code),
			slog.Duration("duration", m.Duration),
			slog.Int64("bytes", m.Written),
		)
	})
}

// ---------------------------------------------------------------------------
// Shells
// ---------------------------------------------------------------------------

type actionResponse struct {
	Status      string `json:"status"`
	ContainerID string `json:"container_id"`
}

func (s *Server) createShell(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := s.cfg.Provisioner.Provision(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) shellStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Lifecycle.Status(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) startShell(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.cfg.Lifecycle.Start)
}

func (s *Server) stopShell(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.cfg.Lifecycle.Stop)
}

func (s *Server) deleteShell(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.cfg.Lifecycle.Delete)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := pathID(r)
	if err := fn(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Status: "success", ContainerID: id})
}

type peerResponse struct {
	Status string `json:"status"`
	wgpeer.PeerConfig
	Config string `json:"config"`
}

// enrollPeer returns the tunnel configuration as JSON, or as a wg-quick
// file when called with ?format=conf.
func (s *Server) enrollPeer(w http.ResponseWriter, r *http.Request) {
	pc, err := s.cfg.Enroller.Enroll(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "conf" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, pc.Render())
		return
	}
	writeJSON(w, http.StatusOK, peerResponse{Status: "success", PeerConfig: pc, Config: pc.Render()})
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

type jobRequest struct {
	PublicKey   string `json:"ssh_key,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Interval    string `json:"interval,omitempty"`
}

type jobAccepted struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	maxAttempts := s.cfg.MaxAttempts
	if req.MaxAttempts != 0 {
		maxAttempts = req.MaxAttempts
	}
	interval := s.cfg.RetryInterval
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeErrorBody(w, http.StatusBadRequest, KindInvalidRequest, "invalid interval: "+err.Error())
			return
		}
		interval = d
	}

	id, err := s.cfg.Jobs.Submit(provision.Request{PublicKey: req.PublicKey}, maxAttempts, interval)
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		writeErrorBody(w, http.StatusServiceUnavailable, KindQueueFull, err.Error())
		return
	case err != nil && !errors.Is(err, jobs.ErrClosed):
		writeErrorBody(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: id, Status: jobs.StatusQueued})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.Get(pathID(r))
	if errors.Is(err, jobs.ErrNotFound) {
		writeErrorBody(w, http.StatusNotFound, KindJobNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ---------------------------------------------------------------------------
// QuickCode
// ---------------------------------------------------------------------------

type runResponse struct {
	Status string `json:"status"`
	quickcode.Result
}

// runCode takes image and run_command from the JSON body, or from the
// query string when the body leaves them empty.
func (s *Server) runCode(w http.ResponseWriter, r *http.Request) {
	var req quickcode.Request
	if !decodeOptional(w, r, &req) {
		return
	}
	q := r.URL.Query()
	if req.Image == "" {
		req.Image = q.Get("image")
	}
	if req.Command == "" {
		req.Command = q.Get("run_command")
	}

	res, err := s.cfg.QuickCode.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Status: "success", Result: res})
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type errorResponse struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusCode maps an error kind to an HTTP status.
func StatusCode(kind shellerr.Kind) int {
	switch kind {
	case shellerr.ContainerNotFound:
		return http.StatusNotFound
	case shellerr.MissingIdentifier, shellerr.InvalidRequest:
		return http.StatusBadRequest
	case shellerr.ImageNotAllowed:
		return http.StatusForbidden
	case shellerr.ImagePullFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := shellerr.KindOf(err)
	code := StatusCode(kind)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
	writeErrorBody(w, code, string(kind), err.Error())
}

func writeErrorBody(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{Status: "error", Kind: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeOptional decodes a JSON body into v.  An empty body leaves v
// untouched.  On malformed input it writes a 400 and returns false.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeErrorBody(w, http.StatusBadRequest, KindInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("id"))
}
