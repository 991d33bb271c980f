package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/cloudshell/internal/jobs"
	"github.com/terrpan/cloudshell/internal/lifecycle"
	"github.com/terrpan/cloudshell/internal/provision"
	"github.com/terrpan/cloudshell/internal/quickcode"
	"github.com/terrpan/cloudshell/internal/runtime"
	"github.com/terrpan/cloudshell/internal/shellerr"
	"github.com/terrpan/cloudshell/internal/wgpeer"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubProvisioner struct {
	got provision.Request
	res provision.Result
	err error
}

func (p *stubProvisioner) Provision(_ context.Context, req provision.Request) (provision.Result, error) {
	p.got = req
	return p.res, p.err
}

// stubLifecycle knows a single container, "abc123".
type stubLifecycle struct {
	calls []string
	err   error
}

func (l *stubLifecycle) do(op, id string) error {
	l.calls = append(l.calls, op+":"+id)
	if l.err != nil {
		return l.err
	}
	if id == "" {
		return shellerr.New(shellerr.MissingIdentifier, op, "", errors.New("container id is required"))
	}
	if id != "abc123" {
		return shellerr.New(shellerr.ContainerNotFound, op, id, runtime.ErrNotFound)
	}
	return nil
}

func (l *stubLifecycle) Start(_ context.Context, id string) error  { return l.do("start", id) }
func (l *stubLifecycle) Stop(_ context.Context, id string) error   { return l.do("stop", id) }
func (l *stubLifecycle) Delete(_ context.Context, id string) error { return l.do("delete", id) }

func (l *stubLifecycle) Status(_ context.Context, id string) (lifecycle.Status, error) {
	if err := l.do("status", id); err != nil {
		return lifecycle.Status{}, err
	}
	return lifecycle.Status{ContainerID: id, Name: "shell", State: runtime.StateRunning, Port: "32768", IPAddress: "172.17.0.2"}, nil
}

type stubEnroller struct {
	pc  wgpeer.PeerConfig
	err error
}

func (e *stubEnroller) Enroll(_ context.Context, _ string) (wgpeer.PeerConfig, error) {
	return e.pc, e.err
}

type stubJobs struct {
	gotReq      provision.Request
	gotAttempts int
	gotInterval time.Duration
	submitErr   error
	job         jobs.Job
}

func (j *stubJobs) Submit(req provision.Request, maxAttempts int, interval time.Duration) (string, error) {
	j.gotReq, j.gotAttempts, j.gotInterval = req, maxAttempts, interval
	if j.submitErr != nil {
		return "", j.submitErr
	}
	return "job-1", nil
}

func (j *stubJobs) Get(id string) (jobs.Job, error) {
	if id != j.job.ID {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return j.job, nil
}

type stubQuickCode struct {
	got quickcode.Request
	err error
}

func (q *stubQuickCode) Run(_ context.Context, req quickcode.Request) (quickcode.Result, error) {
	q.got = req
	if q.err != nil {
		return quickcode.Result{}, q.err
	}
	return quickcode.Result{Image: req.Image, ExitCode: 0, Output: "hi\n"}, nil
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type APISuite struct {
	suite.Suite
	prov *stubProvisioner
	lc   *stubLifecycle
	enr  *stubEnroller
	jobs *stubJobs
	qc   *stubQuickCode
	h    http.Handler
}

func (s *APISuite) SetupTest() {
	s.prov = &stubProvisioner{res: provision.Result{
		Status: provision.StatusSuccess, Port: 32768, ContainerID: "abc123", User: "root", Password: "abc123",
	}}
	s.lc = &stubLifecycle{}
	s.enr = &stubEnroller{pc: wgpeer.PeerConfig{
		PrivateKey:          "cHJpdmF0ZQ==",
		PublicKey:           "cHVibGlj",
		Address:             "10.0.0.42/24",
		DNS:                 "1.1.1.1",
		RelayPublicKey:      "cmVsYXk=",
		Endpoint:            "203.0.113.10:51820",
		AllowedIPs:          []string{"0.0.0.0/0"},
		PersistentKeepalive: 25,
	}}
	s.jobs = &stubJobs{job: jobs.Job{ID: "job-1", Status: jobs.StatusRetrying, Attempts: 1, MaxAttempts: 3, Error: "boom"}}
	s.qc = &stubQuickCode{}
	s.h = New(Config{
		Provisioner:   s.prov,
		Lifecycle:     s.lc,
		Enroller:      s.enr,
		Jobs:          s.jobs,
		QuickCode:     s.qc,
		MaxAttempts:   3,
		RetryInterval: 10 * time.Second,
	}).Handler()
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) do(method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, r)
	return w
}

func (s *APISuite) decode(w *httptest.ResponseRecorder) map[string]any {
	var m map[string]any
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func (s *APISuite) assertError(w *httptest.ResponseRecorder, code int, kind string) {
	assert.Equal(s.T(), code, w.Code)
	body := s.decode(w)
	assert.Equal(s.T(), "error", body["status"])
	assert.Equal(s.T(), kind, body["kind"])
	assert.NotEmpty(s.T(), body["message"])
}

// ---------------------------------------------------------------------------
// Shells
// ---------------------------------------------------------------------------

func (s *APISuite) TestCreateShell_NoBody() {
	w := s.do(http.MethodPost, "/shells", "")
	assert.Equal(s.T(), http.StatusCreated, w.Code)
	assert.Equal(s.T(), "application/json", w.Header().Get("Content-Type"))

	body := s.decode(w)
	assert.Equal(s.T(), "success", body["status"])
	assert.Equal(s.T(), float64(32768), body["port"])
	assert.Equal(s.T(), "abc123", body["container_id"])
	assert.Equal(s.T(), "root", body["user"])
	assert.Equal(s.T(), "abc123", body["password"])
	assert.Empty(s.T(), s.prov.got.PublicKey)
}

func (s *APISuite) TestCreateShell_WithKey() {
	s.prov.res.Password = ""
	w := s.do(http.MethodPost, "/shells", `{"ssh_key":"ssh-ed25519 AAAA user@host"}`)
	assert.Equal(s.T(), http.StatusCreated, w.Code)
	assert.Equal(s.T(), "ssh-ed25519 AAAA user@host", s.prov.got.PublicKey)
	_, hasPassword := s.decode(w)["password"]
	assert.False(s.T(), hasPassword)
}

func (s *APISuite) TestCreateShell_BadBody() {
	w := s.do(http.MethodPost, "/shells", `{"ssh_key":`)
	s.assertError(w, http.StatusBadRequest, KindInvalidRequest)

	w = s.do(http.MethodPost, "/shells", `{"unknown":1}`)
	s.assertError(w, http.StatusBadRequest, KindInvalidRequest)
}

func (s *APISuite) TestCreateShell_Failures() {
	tests := []struct {
		kind shellerr.Kind
		code int
	}{
		{shellerr.BootstrapCommandFailure, http.StatusInternalServerError},
		{shellerr.ContainerStartFailure, http.StatusInternalServerError},
		{shellerr.RuntimeUnavailable, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s.Run(string(tt.kind), func() {
			s.prov.err = shellerr.New(tt.kind, "provision", "abc123", errors.New("boom"))
			w := s.do(http.MethodPost, "/shells", "")
			s.assertError(w, tt.code, string(tt.kind))
		})
	}
}

func (s *APISuite) TestCreateShell_UntypedErrorIsInternal() {
	s.prov.err = errors.New("boom")
	w := s.do(http.MethodPost, "/shells", "")
	s.assertError(w, http.StatusInternalServerError, string(shellerr.Internal))
}

func (s *APISuite) TestShellStatus() {
	w := s.do(http.MethodGet, "/shells/abc123", "")
	assert.Equal(s.T(), http.StatusOK, w.Code)
	body := s.decode(w)
	assert.Equal(s.T(), "running", body["state"])
	assert.Equal(s.T(), "32768", body["port"])
	assert.Equal(s.T(), "172.17.0.2", body["ip_address"])
}

func (s *APISuite) TestTransitions() {
	for _, tc := range []struct {
		method, path, op string
	}{
		{http.MethodPost, "/shells/abc123/start", "start"},
		{http.MethodPost, "/shells/abc123/stop", "stop"},
		{http.MethodDelete, "/shells/abc123", "delete"},
	} {
		s.Run(tc.op, func() {
			w := s.do(tc.method, tc.path, "")
			assert.Equal(s.T(), http.StatusOK, w.Code)
			body := s.decode(w)
			assert.Equal(s.T(), "success", body["status"])
			assert.Equal(s.T(), "abc123", body["container_id"])
			assert.Contains(s.T(), s.lc.calls, tc.op+":abc123")
		})
	}
}

func (s *APISuite) TestTransition_NotFound() {
	w := s.do(http.MethodPost, "/shells/nope/start", "")
	s.assertError(w, http.StatusNotFound, string(shellerr.ContainerNotFound))

	w = s.do(http.MethodDelete, "/shells/nope", "")
	s.assertError(w, http.StatusNotFound, string(shellerr.ContainerNotFound))
}

func (s *APISuite) TestTransition_MissingIdentifier() {
	w := s.do(http.MethodPost, "/shells/%20/stop", "")
	s.assertError(w, http.StatusBadRequest, string(shellerr.MissingIdentifier))
	assert.Equal(s.T(), []string{"stop:"}, s.lc.calls)
}

func (s *APISuite) TestWrongMethod() {
	w := s.do(http.MethodGet, "/shells/abc123/start", "")
	assert.Equal(s.T(), http.StatusMethodNotAllowed, w.Code)
}

// ---------------------------------------------------------------------------
// Peer enrollment
// ---------------------------------------------------------------------------

func (s *APISuite) TestEnrollPeer_JSON() {
	w := s.do(http.MethodPost, "/shells/abc123/peer", "")
	assert.Equal(s.T(), http.StatusOK, w.Code)

	body := s.decode(w)
	assert.Equal(s.T(), "success", body["status"])
	assert.Equal(s.T(), "10.0.0.42/24", body["address"])
	assert.Equal(s.T(), "203.0.113.10:51820", body["endpoint"])
	assert.Equal(s.T(), "cmVsYXk=", body["relay_public_key"])
	assert.Contains(s.T(), body["config"], "[Interface]")
	assert.Contains(s.T(), body["config"], "Endpoint = 203.0.113.10:51820")
}

func (s *APISuite) TestEnrollPeer_ConfFormat() {
	w := s.do(http.MethodPost, "/shells/abc123/peer?format=conf", "")
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Equal(s.T(), "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(s.T(), s.enr.pc.Render(), w.Body.String())
}

func (s *APISuite) TestEnrollPeer_Failures() {
	s.enr.err = shellerr.New(shellerr.RelayUnavailable, "enroll", "", errors.New("relay down"))
	w := s.do(http.MethodPost, "/shells/abc123/peer", "")
	s.assertError(w, http.StatusInternalServerError, string(shellerr.RelayUnavailable))

	s.enr.err = shellerr.New(shellerr.ContainerNotFound, "enroll", "nope", runtime.ErrNotFound)
	w = s.do(http.MethodPost, "/shells/nope/peer", "")
	s.assertError(w, http.StatusNotFound, string(shellerr.ContainerNotFound))
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (s *APISuite) TestSubmitJob_Defaults() {
	w := s.do(http.MethodPost, "/jobs", "")
	assert.Equal(s.T(), http.StatusAccepted, w.Code)
	body := s.decode(w)
	assert.Equal(s.T(), "job-1", body["job_id"])
	assert.Equal(s.T(), "queued", body["status"])
	assert.Equal(s.T(), 3, s.jobs.gotAttempts)
	assert.Equal(s.T(), 10*time.Second, s.jobs.gotInterval)
}

func (s *APISuite) TestSubmitJob_Overrides() {
	w := s.do(http.MethodPost, "/jobs", `{"ssh_key":"ssh-rsa AAAA","max_attempts":5,"interval":"250ms"}`)
	assert.Equal(s.T(), http.StatusAccepted, w.Code)
	assert.Equal(s.T(), 5, s.jobs.gotAttempts)
	assert.Equal(s.T(), 250*time.Millisecond, s.jobs.gotInterval)
	assert.Equal(s.T(), "ssh-rsa AAAA", s.jobs.gotReq.PublicKey)
}

func (s *APISuite) TestSubmitJob_BadInterval() {
	w := s.do(http.MethodPost, "/jobs", `{"interval":"soon"}`)
	s.assertError(w, http.StatusBadRequest, KindInvalidRequest)
}

func (s *APISuite) TestSubmitJob_Rejected() {
	s.jobs.submitErr = errors.New("max attempts must be at least 1, got -1")
	w := s.do(http.MethodPost, "/jobs", `{"max_attempts":-1}`)
	s.assertError(w, http.StatusBadRequest, KindInvalidRequest)

	s.jobs.submitErr = jobs.ErrQueueFull
	w = s.do(http.MethodPost, "/jobs", "")
	s.assertError(w, http.StatusServiceUnavailable, KindQueueFull)

	s.jobs.submitErr = jobs.ErrClosed
	w = s.do(http.MethodPost, "/jobs", "")
	s.assertError(w, http.StatusInternalServerError, string(shellerr.Internal))
}

func (s *APISuite) TestGetJob() {
	w := s.do(http.MethodGet, "/jobs/job-1", "")
	assert.Equal(s.T(), http.StatusOK, w.Code)
	body := s.decode(w)
	assert.Equal(s.T(), "retrying", body["status"])
	assert.Equal(s.T(), float64(1), body["attempts"])
	assert.Equal(s.T(), "boom", body["error"])

	w = s.do(http.MethodGet, "/jobs/other", "")
	s.assertError(w, http.StatusNotFound, KindJobNotFound)
}

// ---------------------------------------------------------------------------
// QuickCode
// ---------------------------------------------------------------------------

func (s *APISuite) TestRunCode_Body() {
	w := s.do(http.MethodPost, "/run", `{"image":"python:3.12","run_command":"python -V"}`)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	body := s.decode(w)
	assert.Equal(s.T(), "success", body["status"])
	assert.Equal(s.T(), "python:3.12", body["image"])
	assert.Equal(s.T(), float64(0), body["exit_code"])
	assert.Equal(s.T(), "hi\n", body["output"])
	assert.Equal(s.T(), quickcode.Request{Image: "python:3.12", Command: "python -V"}, s.qc.got)
}

func (s *APISuite) TestRunCode_QueryString() {
	w := s.do(http.MethodPost, "/run?image=alpine&run_command=echo+hi", "")
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Equal(s.T(), quickcode.Request{Image: "alpine", Command: "echo hi"}, s.qc.got)
}

func (s *APISuite) TestRunCode_Errors() {
	s.qc.err = shellerr.New(shellerr.ImageNotAllowed, "quickcode", "", errors.New("image ubuntu:latest is not allowed"))
	s.assertError(s.do(http.MethodPost, "/run", `{"image":"ubuntu","run_command":"ls"}`), http.StatusForbidden, string(shellerr.ImageNotAllowed))

	s.qc.err = shellerr.New(shellerr.InvalidRequest, "quickcode", "", errors.New("run_command is required"))
	s.assertError(s.do(http.MethodPost, "/run", `{"image":"alpine"}`), http.StatusBadRequest, KindInvalidRequest)

	s.qc.err = shellerr.New(shellerr.ImagePullFailure, "quickcode", "", errors.New("manifest unknown"))
	s.assertError(s.do(http.MethodPost, "/run", `{"image":"nosuch","run_command":"ls"}`), http.StatusBadGateway, string(shellerr.ImagePullFailure))

	s.assertError(s.do(http.MethodPost, "/run", `{"img":"alpine"}`), http.StatusBadRequest, KindInvalidRequest)
}

func TestRunCode_DisabledWithoutRunner(t *testing.T) {
	h := New(Config{}).Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/run?image=alpine&run_command=ls", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Status mapping
// ---------------------------------------------------------------------------

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusCode(shellerr.ContainerNotFound))
	assert.Equal(t, http.StatusBadRequest, StatusCode(shellerr.MissingIdentifier))
	assert.Equal(t, http.StatusBadRequest, StatusCode(shellerr.InvalidRequest))
	assert.Equal(t, http.StatusForbidden, StatusCode(shellerr.ImageNotAllowed))
	assert.Equal(t, http.StatusBadGateway, StatusCode(shellerr.ImagePullFailure))
	for _, k := range []shellerr.Kind{
		shellerr.ContainerStartFailure,
		shellerr.BootstrapCommandFailure,
		shellerr.RelayUnavailable,
		shellerr.PeerRegistrationFailure,
		shellerr.RuntimeUnavailable,
		shellerr.Internal,
	} {
		assert.Equal(t, http.StatusInternalServerError, StatusCode(k), k)
	}
}
