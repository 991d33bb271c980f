// Package shellerr defines the structured errors returned by the shell
// orchestrator.  Each error carries a machine-readable Kind so that outer
// layers can map it (e.g. to an HTTP status) without string matching.
package shellerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/terrpan/cloudshell/internal/runtime"
)

// Kind classifies an orchestrator failure.
type Kind string

const (
	MissingIdentifier       Kind = "missing_identifier"
	ContainerNotFound       Kind = "container_not_found"
	ContainerStartFailure   Kind = "container_start_failure"
	BootstrapCommandFailure Kind = "bootstrap_command_failure"
	RelayUnavailable        Kind = "relay_unavailable"
	PeerRegistrationFailure Kind = "peer_registration_failure"
	RuntimeUnavailable      Kind = "runtime_unavailable"

	// Kinds for one-shot code runs.
	InvalidRequest   Kind = "invalid_request"
	ImageNotAllowed  Kind = "image_not_allowed"
	ImagePullFailure Kind = "image_pull_failure"

	// Internal covers anything outside the taxonomy above.
	Internal Kind = "internal"
)

// Error is the concrete error type returned at component boundaries.
type Error struct {
	Kind        Kind
	Op          string
	ContainerID string

	// Command and Output are set for BootstrapCommandFailure.
	Command string
	Output  string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.ContainerID != "" {
		fmt.Fprintf(&b, " (container %s)", e.ContainerID)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, ": command %q failed", e.Command)
		if out := strings.TrimSpace(e.Output); out != "" {
			fmt.Fprintf(&b, ": %s", out)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind.
func New(kind Kind, op, containerID string, err error) *Error {
	return &Error{Kind: kind, Op: op, ContainerID: containerID, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// Internal if there is none.  A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromRuntime converts an error returned by a runtime.Runtime into an
// *Error, preserving the original as the cause.  Errors that are already
// an *Error are returned unchanged.
func FromRuntime(op, containerID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		return New(ContainerNotFound, op, containerID, err)
	case errors.Is(err, runtime.ErrUnavailable):
		return New(RuntimeUnavailable, op, containerID, err)
	default:
		return New(Internal, op, containerID, err)
	}
}
