// Package docker implements the runtime.Runtime interface on top of the
// Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/cloudshell/internal/runtime"
)

// Config holds Docker-specific settings.
type Config struct {
	// Host is the daemon address (e.g. "unix:///var/run/docker.sock" or
	// "tcp://localhost:2376").  Empty means DOCKER_HOST and friends from
	// the environment.
	Host string

	// StopTimeout is how long the daemon waits for a container to exit
	// after SIGTERM before killing it.  Default: 10s.
	StopTimeout time.Duration
}

// Runtime talks to a single Docker daemon.
type Runtime struct {
	client      *dockerclient.Client
	stopTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Compile-time check that Runtime satisfies the runtime.Runtime interface.
var _ runtime.Runtime = (*Runtime)(nil)

// New connects to the Docker daemon and verifies it is reachable.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("docker ping: %w", classify(err))
	}

	logger.Info("docker runtime connected", slog.String("host", client.DaemonHost()))

	return &Runtime{
		client:      client,
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		tracer:      otel.Tracer("cloudshell/runtime/docker"),
	}, nil
}

// Close releases the underlying client connection.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Ping checks that the daemon is still reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// PullImage pulls ref and waits for the download to finish.
func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	ctx, span := r.tracer.Start(ctx, "runtime.docker.PullImage")
	defer span.End()
	span.SetAttributes(attribute.String("image", ref))

	r.logger.Info("pulling image", slog.String("image", ref))

	pull, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, classify(err))
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	r.logger.Info("image ready", slog.String("image", ref))
	return nil
}

// CreateContainer creates a container from spec without starting it.
func (r *Runtime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.docker.CreateContainer")
	defer span.End()
	span.SetAttributes(
		attribute.String("image", spec.Image),
		attribute.String("container.name", spec.Name),
	)

	exposed, bindings, err := portMaps(spec.Ports)
	if err != nil {
		return "", err
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		CapAdd:       spec.CapAdd,
	}
	if spec.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		}
	}

	resp, err := r.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          spec.Env,
			ExposedPorts: exposed,
			Labels:       spec.Labels,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Image, classify(err))
	}

	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning",
			slog.String("containerID", resp.ID),
			slog.String("warning", w),
		)
	}

	return resp.ID, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "runtime.docker.StartContainer")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", id))

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", id, classify(err))
	}
	return nil
}

func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "runtime.docker.StopContainer")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", id))

	timeout := int(r.stopTimeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("container stop %s: %w", id, classify(err))
	}
	return nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "runtime.docker.RemoveContainer")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", id))

	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove %s: %w", id, classify(err))
	}
	return nil
}

// Exec runs cmd in the container, collects its combined output and
// returns the exit code reported by the daemon.
func (r *Runtime) Exec(ctx context.Context, id string, cmd []string, env []string) (runtime.ExecResult, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.docker.Exec")
	defer span.End()
	span.SetAttributes(
		attribute.String("container.id", id),
		attribute.String("exec.cmd", strings.Join(cmd, " ")),
	)

	created, err := r.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return runtime.ExecResult{}, fmt.Errorf("exec create in %s: %w", id, classify(err))
	}

	attach, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return runtime.ExecResult{}, fmt.Errorf("exec attach %s: %w", created.ID, classify(err))
	}
	defer attach.Close()

	// The hijacked connection ignores ctx, so tear it down ourselves
	// when the deadline fires.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && ctx.Err() == nil {
		return runtime.ExecResult{}, fmt.Errorf("exec read %s: %w", created.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return runtime.ExecResult{Output: stdout.String() + stderr.String()}, fmt.Errorf("exec %s: %w", created.ID, err)
	}

	// The stream closes slightly before the daemon records the exit
	// code, so poll briefly until the exec is no longer running.
	inspect, err := backoff.Retry(ctx, func() (container.ExecInspect, error) {
		ins, err := r.client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return ins, backoff.Permanent(classify(err))
		}
		if ins.Running {
			return ins, errors.New("exec still running")
		}
		return ins, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(50*time.Millisecond)), backoff.WithMaxTries(100))
	if err != nil {
		return runtime.ExecResult{}, fmt.Errorf("exec inspect %s: %w", created.ID, err)
	}

	span.SetAttributes(attribute.Int("exec.exit_code", inspect.ExitCode))

	return runtime.ExecResult{
		ExitCode: inspect.ExitCode,
		Output:   stdout.String() + stderr.String(),
	}, nil
}

// Wait blocks until the container is no longer running.
func (r *Runtime) Wait(ctx context.Context, id string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.docker.Wait")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", id))

	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("container wait %s: %w", id, classify(err))
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return -1, fmt.Errorf("container wait %s: %s", id, st.Error.Message)
		}
		span.SetAttributes(attribute.Int64("container.exit_code", st.StatusCode))
		return int(st.StatusCode), nil
	}
}

// Logs returns the container's output so far.
func (r *Runtime) Logs(ctx context.Context, id string) (string, error) {
	rc, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("container logs %s: %w", id, classify(err))
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("container logs %s: %w", id, err)
	}
	return stdout.String() + stderr.String(), nil
}

// Inspect returns the daemon's current view of the container.
func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	resp, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.ContainerInfo{}, fmt.Errorf("container inspect %s: %w", id, classify(err))
	}

	info := runtime.ContainerInfo{
		ID:    resp.ID,
		Name:  strings.TrimPrefix(resp.Name, "/"),
		Ports: make(map[string]string),
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		info.State = runtime.State(resp.State.Status)
	}
	if ns := resp.NetworkSettings; ns != nil {
		for port, bindings := range ns.Ports {
			for _, b := range bindings {
				if b.HostPort != "" {
					info.Ports[string(port)] = b.HostPort
					break
				}
			}
		}
		// Prefer the default bridge, fall back to any attached network.
		if ep, ok := ns.Networks["bridge"]; ok && ep != nil && ep.IPAddress != "" {
			info.IPAddress = ep.IPAddress
		} else {
			for _, ep := range ns.Networks {
				if ep != nil && ep.IPAddress != "" {
					info.IPAddress = ep.IPAddress
					break
				}
			}
		}
	}

	return info, nil
}

// ListByName returns the containers named exactly name.  Docker's name
// filter is a regular expression over "/<name>", so results are checked
// again for an exact match.
func (r *Runtime) ListByName(ctx context.Context, name string) ([]string, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return nil, fmt.Errorf("container list name=%s: %w", name, classify(err))
	}

	var ids []string
	for _, c := range list {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				ids = append(ids, c.ID)
				break
			}
		}
	}
	return ids, nil
}

// portMaps converts bindings into Docker's exposed-port set and port map.
func portMaps(ports []runtime.PortBinding) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		proto := string(p.Protocol)
		if proto == "" {
			proto = string(runtime.TCP)
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("port %d/%s: %w", p.ContainerPort, proto, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: p.HostPort})
	}
	return exposed, bindings, nil
}

// classify wraps err with the runtime sentinel it corresponds to so that
// callers can use errors.Is without depending on Docker's error types.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", runtime.ErrNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %w", runtime.ErrConflict, err)
	case dockerclient.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %w", runtime.ErrUnavailable, err)
	default:
		return err
	}
}
