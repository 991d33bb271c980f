// Package health provides HTTP handlers for liveness and readiness
// checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/cloudshell/internal/buildinfo"
)

// ServiceName is reported in every response.
const ServiceName = "cloudshell"

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Runtime      string    `json:"runtime"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler responds to liveness requests.  It reports build info and the
// container runtime in use, and is always "healthy" (200 OK).
func Handler(runtimeName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, newResponse("healthy", runtimeName))
	}
}

// ReadyHandler responds 200 when p answers within timeout and 503
// otherwise.
func ReadyHandler(runtimeName string, p Pinger, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			resp := newResponse("unavailable", runtimeName)
			resp.Error = err.Error()
			write(w, http.StatusServiceUnavailable, resp)
			return
		}
		write(w, http.StatusOK, newResponse("ready", runtimeName))
	}
}

func newResponse(status, runtimeName string) Response {
	return Response{
		Status:       status,
		ServiceName:  ServiceName,
		Version:      buildinfo.Version,
		Commit:       buildinfo.Commit,
		BuildTime:    buildinfo.BuildTime,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		Runtime:      runtimeName,
		Timestamp:    time.Now().UTC(),
	}
}

func write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
