// Package runtime defines the abstraction over the container runtime that
// hosts ephemeral shells and the WireGuard relay.  The orchestrator never
// keeps its own copy of container state; every decision is made against
// what the runtime reports at the time of the call.
package runtime

import (
	"context"
	"errors"
)

// Sentinel errors every implementation maps its native failures onto.
// Callers test for them with errors.Is.
var (
	// ErrNotFound means the referenced container does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrConflict means a container with the requested name already
	// exists.
	ErrConflict = errors.New("container name conflict")

	// ErrUnavailable means the runtime endpoint itself could not be
	// reached.
	ErrUnavailable = errors.New("container runtime unavailable")
)

// Runtime is the contract every container backend must satisfy.
//
// All calls are blocking.  Start and Stop on a container that is already
// in the requested state succeed without error.
type Runtime interface {
	// PullImage makes ref available locally.
	PullImage(ctx context.Context, ref string) error

	// CreateContainer creates (but does not start) a container and
	// returns its identifier.
	CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error)

	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error

	// RemoveContainer removes the container.  After it returns the id
	// is no longer valid.
	RemoveContainer(ctx context.Context, id string) error

	// Exec runs cmd inside a running container and waits for it to
	// exit.  A non-zero exit code is not an error; err is reserved for
	// failures to run the command at all.
	Exec(ctx context.Context, id string, cmd []string, env []string) (ExecResult, error)

	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, id string) (exitCode int, err error)

	// Logs returns what the container's main process wrote, stdout
	// followed by stderr.
	Logs(ctx context.Context, id string) (string, error)

	// Inspect returns the current state of the container.
	Inspect(ctx context.Context, id string) (ContainerInfo, error)

	// ListByName returns the ids of all containers, running or not,
	// whose name is exactly name.
	ListByName(ctx context.Context, name string) ([]string, error)
}

// Protocol is a transport protocol for a port binding.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// PortBinding publishes a container port on the host.  An empty
// HostPort asks the runtime for an ephemeral port.
type PortBinding struct {
	ContainerPort int
	Protocol      Protocol
	HostPort      string
}

// Key returns the "<port>/<proto>" form used to look the binding up in
// ContainerInfo.Ports.
func (p PortBinding) Key() string {
	return PortKey(p.ContainerPort, p.Protocol)
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	// Name is optional; an empty name lets the runtime choose one.
	Name  string
	Image string
	Cmd   []string
	Env   []string
	Ports []PortBinding

	// CapAdd lists additional kernel capabilities (e.g. NET_ADMIN).
	CapAdd []string

	// RestartPolicy is passed through to the runtime ("", "no",
	// "always", "unless-stopped", "on-failure").
	RestartPolicy string

	Labels map[string]string
}

// State is the coarse lifecycle state reported by the runtime.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateRestarting State = "restarting"
	StateExited     State = "exited"
	StateDead       State = "dead"
	StateRemoving   State = "removing"
)

// RoleLabel marks the containers this service creates.
const (
	RoleLabel = "cloudshell.role"
	RoleShell = "shell"
	RoleRelay = "relay"
)

// ContainerInfo is a point-in-time snapshot of a container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  State
	Labels map[string]string

	// Ports maps "<port>/<proto>" to the host port it is published on.
	Ports map[string]string

	// IPAddress is the container's address on its primary network,
	// empty when the container is not running.
	IPAddress string
}

// Running reports whether the container is in the running state.
func (c ContainerInfo) Running() bool {
	return c.State == StateRunning
}

// ExecResult is the outcome of a command run with Exec.  Output holds
// stdout followed by stderr.
type ExecResult struct {
	ExitCode int
	Output   string
}
