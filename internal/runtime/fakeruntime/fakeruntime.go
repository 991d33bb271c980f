// Package fakeruntime provides an in-memory runtime.Runtime for tests.
// Containers move through created/running/exited exactly as the runtime
// contract describes, exec results are programmable per command, and
// every call is recorded.
package fakeruntime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/terrpan/cloudshell/internal/runtime"
)

// ExecHandler decides the outcome of an exec.  Returning handled=false falls
// through to the next handler, then to a successful empty result.
type ExecHandler func(id string, cmd []string, env []string) (res runtime.ExecResult, handled bool, err error)

// Call records one invocation of a Runtime method.
type Call struct {
	Method string
	ID     string
	Cmd    []string
	Env    []string
}

// Container is the fake's view of a container.
type Container struct {
	Spec  runtime.ContainerSpec
	Info  runtime.ContainerInfo
	Execs [][]string

	// Set once Wait has run the main command.
	Exited   bool
	ExitCode int
	Output   string
}

// Runtime is a goroutine-safe fake container runtime.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*Container
	calls      []Call
	handlers   []ExecHandler
	nextPort   int
	nextIP     int

	// Hooks for failure injection.  Each may be nil.
	CreateErr func(spec runtime.ContainerSpec) error
	StartErr  func(id string) error
	PullErr   func(ref string) error

	// WaitErr runs before Wait completes the main command; a non-nil
	// error is returned from Wait.  It may block on ctx.
	WaitErr func(ctx context.Context, id string) error

	// StartState, when set, is the state a container lands in after
	// StartContainer (default: running).
	StartState runtime.State
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		nextPort:   32768,
		nextIP:     2,
	}
}

// HandleExec registers an exec handler.  Handlers are consulted in
// registration order.
func (f *Runtime) HandleExec(h ExecHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// FailExec makes any exec whose joined command line contains substr
// exit with code and output.
func (f *Runtime) FailExec(substr string, code int, output string) {
	f.HandleExec(func(_ string, cmd []string, _ []string) (runtime.ExecResult, bool, error) {
		if strings.Contains(strings.Join(cmd, " "), substr) {
			return runtime.ExecResult{ExitCode: code, Output: output}, true, nil
		}
		return runtime.ExecResult{}, false, nil
	})
}

func (f *Runtime) record(c Call) {
	f.calls = append(f.calls, c)
}

// Calls returns a copy of every recorded call.
func (f *Runtime) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (f *Runtime) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Container returns a copy of the container with id, if it exists.
func (f *Runtime) Container(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Container{}, false
	}
	cp := *c
	cp.Execs = append([][]string(nil), c.Execs...)
	return cp, true
}

// Len returns the number of containers that currently exist.
func (f *Runtime) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Put inserts a container directly, bypassing CreateContainer.
func (f *Runtime) Put(info runtime.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.Ports == nil {
		info.Ports = make(map[string]string)
	}
	f.containers[info.ID] = &Container{Info: info}
}

func (f *Runtime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	f.record(Call{Method: "PullImage", ID: ref})
	f.mu.Unlock()
	if f.PullErr != nil {
		return f.PullErr(ref)
	}
	return nil
}

func (f *Runtime) CreateContainer(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	f.record(Call{Method: "CreateContainer", Cmd: spec.Cmd, Env: spec.Env})
	f.mu.Unlock()

	// Hooks run unlocked so they may call back into the fake.
	if f.CreateErr != nil {
		if err := f.CreateErr(spec); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Name != "" {
		for _, c := range f.containers {
			if c.Info.Name == spec.Name {
				return "", fmt.Errorf("create %s: %w", spec.Name, runtime.ErrConflict)
			}
		}
	}

	id := newID()
	info := runtime.ContainerInfo{
		ID:    id,
		Name:  spec.Name,
		Image: spec.Image,
		State: runtime.StateCreated,
		Ports: make(map[string]string),
	}
	if len(spec.Labels) > 0 {
		info.Labels = maps.Clone(spec.Labels)
	}
	for _, p := range spec.Ports {
		host := p.HostPort
		if host == "" {
			host = strconv.Itoa(f.nextPort)
			f.nextPort++
		}
		info.Ports[p.Key()] = host
	}
	f.containers[id] = &Container{Spec: spec, Info: info}
	return id, nil
}

func (f *Runtime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "StartContainer", ID: id})

	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("start %s: %w", id, runtime.ErrNotFound)
	}
	if f.StartErr != nil {
		if err := f.StartErr(id); err != nil {
			return err
		}
	}
	state := f.StartState
	if state == "" {
		state = runtime.StateRunning
	}
	c.Info.State = state
	if state == runtime.StateRunning && c.Info.IPAddress == "" {
		c.Info.IPAddress = fmt.Sprintf("172.17.0.%d", f.nextIP)
		f.nextIP++
	}
	return nil
}

func (f *Runtime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "StopContainer", ID: id})

	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("stop %s: %w", id, runtime.ErrNotFound)
	}
	c.Info.State = runtime.StateExited
	c.Info.IPAddress = ""
	return nil
}

func (f *Runtime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "RemoveContainer", ID: id})

	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, runtime.ErrNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *Runtime) Exec(_ context.Context, id string, cmd []string, env []string) (runtime.ExecResult, error) {
	f.mu.Lock()
	f.record(Call{Method: "Exec", ID: id, Cmd: cmd, Env: env})
	c, ok := f.containers[id]
	if !ok {
		f.mu.Unlock()
		return runtime.ExecResult{}, fmt.Errorf("exec %s: %w", id, runtime.ErrNotFound)
	}
	if !c.Info.Running() {
		f.mu.Unlock()
		return runtime.ExecResult{}, fmt.Errorf("exec %s: container is not running", id)
	}
	c.Execs = append(c.Execs, cmd)
	handlers := append([]ExecHandler(nil), f.handlers...)
	f.mu.Unlock()

	// Handlers run unlocked so they may call back into the fake.
	for _, h := range handlers {
		if res, handled, err := h(id, cmd, env); handled {
			return res, err
		}
	}
	return runtime.ExecResult{}, nil
}

// Wait runs the container's command through the exec handlers, as if the
// main process ran to completion, and leaves the container exited.
func (f *Runtime) Wait(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	f.record(Call{Method: "Wait", ID: id})
	c, ok := f.containers[id]
	if !ok {
		f.mu.Unlock()
		return -1, fmt.Errorf("wait %s: %w", id, runtime.ErrNotFound)
	}
	if c.Exited {
		code := c.ExitCode
		f.mu.Unlock()
		return code, nil
	}
	spec := c.Spec
	handlers := append([]ExecHandler(nil), f.handlers...)
	hook := f.WaitErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return -1, err
		}
	}

	var res runtime.ExecResult
	for _, h := range handlers {
		r, handled, err := h(id, spec.Cmd, spec.Env)
		if !handled {
			continue
		}
		if err != nil {
			return -1, err
		}
		res = r
		break
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Info.State = runtime.StateExited
		c.Info.IPAddress = ""
		c.Exited = true
		c.ExitCode = res.ExitCode
		c.Output = res.Output
	}
	return res.ExitCode, nil
}

func (f *Runtime) Logs(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "Logs", ID: id})

	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("logs %s: %w", id, runtime.ErrNotFound)
	}
	return c.Output, nil
}

func (f *Runtime) Inspect(_ context.Context, id string) (runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "Inspect", ID: id})

	c, ok := f.containers[id]
	if !ok {
		// Docker resolves unique id prefixes and names; mirror that.
		var match *Container
		for cid, cc := range f.containers {
			if id != "" && strings.HasPrefix(cid, id) {
				if match != nil {
					return runtime.ContainerInfo{}, fmt.Errorf("inspect %s: ambiguous id", id)
				}
				match = cc
			}
		}
		if match == nil {
			for _, cc := range f.containers {
				if id != "" && cc.Info.Name == id {
					match = cc
					break
				}
			}
		}
		if match == nil {
			return runtime.ContainerInfo{}, fmt.Errorf("inspect %s: %w", id, runtime.ErrNotFound)
		}
		c = match
	}
	info := c.Info
	info.Labels = maps.Clone(c.Info.Labels)
	info.Ports = make(map[string]string, len(c.Info.Ports))
	for k, v := range c.Info.Ports {
		info.Ports[k] = v
	}
	return info, nil
}

func (f *Runtime) ListByName(_ context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "ListByName", ID: name})

	var ids []string
	for id, c := range f.containers {
		if c.Info.Name == name {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func newID() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
