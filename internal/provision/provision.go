// Package provision creates ephemeral SSH-reachable shell containers.
//
// A provisioning call creates a container from the base image, waits for
// it to run, executes the bootstrap sequence (see Plan) and reports the
// host port that sshd is published on.  Any failure after the container
// exists tears it down again unless KeepFailed is set.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/cloudshell/internal/runtime"
	"github.com/terrpan/cloudshell/internal/shellerr"
)

const (
	// DefaultImage is the base image shells are created from.
	DefaultImage = "ubuntu:latest"

	// LoginUser is the account every shell is reached as.
	LoginUser = "root"

	sshPort = 22
)

// DefaultKeepAlive keeps the container alive with no foreground process
// attached.
var DefaultKeepAlive = []string{"tail", "-f", "/dev/null"}

// Config holds the Provisioner's dependencies and tunables.
type Config struct {
	Runtime runtime.Runtime

	// Image is the base image.  Default: ubuntu:latest.
	Image string

	// KeepAlive is the container command.  Default: tail -f /dev/null.
	KeepAlive []string

	// ExecTimeout bounds each bootstrap command.  Default: 5m.
	ExecTimeout time.Duration

	// ReadyTimeout bounds the wait for the container to reach the
	// running state.  Default: 30s.
	ReadyTimeout time.Duration

	// KeepFailed leaves containers whose bootstrap failed in place for
	// debugging instead of removing them.
	KeepFailed bool

	Logger *slog.Logger
}

// Request is the input to Provision.
type Request struct {
	// PublicKey, when set, is installed as root's only authorized key
	// and password login is disabled.
	PublicKey string `json:"ssh_key,omitempty"`
}

// Status of a provisioning result.  Failures surface as errors, so a
// Result is always successful.
type Status string

const StatusSuccess Status = "success"

// Result carries the connection details of a provisioned shell.
type Result struct {
	Status      Status `json:"status"`
	Port        int    `json:"port"`
	ContainerID string `json:"container_id"`
	User        string `json:"user"`

	// Password is the container id when no public key was supplied and
	// empty otherwise, since password login is disabled in that case.
	Password string `json:"password,omitempty"`
}

// Provisioner creates and bootstraps shell containers.
type Provisioner struct {
	rt           runtime.Runtime
	image        string
	keepAlive    []string
	execTimeout  time.Duration
	readyTimeout time.Duration
	keepFailed   bool
	logger       *slog.Logger

	tracer trace.Tracer

	provisions    metric.Int64Counter
	stepFailures  metric.Int64Counter
	provisionTime metric.Float64Histogram
}

// New creates a Provisioner.
func New(cfg Config) *Provisioner {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if len(cfg.KeepAlive) == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Provisioner{
		rt:           cfg.Runtime,
		image:        cfg.Image,
		keepAlive:    cfg.KeepAlive,
		execTimeout:  cfg.ExecTimeout,
		readyTimeout: cfg.ReadyTimeout,
		keepFailed:   cfg.KeepFailed,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("cloudshell/provision"),
	}

	meter := otel.Meter("cloudshell/provision")
	var err error
	p.provisions, err = meter.Int64Counter(
		"cloudshell.shells.provisioned",
		metric.WithDescription("Provisioning attempts by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create provisions counter", slog.String("error", err.Error()))
	}
	p.stepFailures, err = meter.Int64Counter(
		"cloudshell.bootstrap.failures",
		metric.WithDescription("Bootstrap command failures by step"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create stepFailures counter", slog.String("error", err.Error()))
	}
	p.provisionTime, err = meter.Float64Histogram(
		"cloudshell.shell.provision.duration",
		metric.WithDescription("Time to provision a shell (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create provisionTime histogram", slog.String("error", err.Error()))
	}

	return p
}

// Image returns the configured base image.
func (p *Provisioner) Image() string { return p.image }

// Prepare pulls the base image so the first Provision call does not pay
// for the download.
func (p *Provisioner) Prepare(ctx context.Context) error {
	if err := p.rt.PullImage(ctx, p.image); err != nil {
		return shellerr.FromRuntime("prepare", "", err)
	}
	return nil
}

// Provision creates a new shell container.  It is not idempotent: every
// call yields an independent container.
func (p *Provisioner) Provision(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := p.tracer.Start(ctx, "provision.Provision")
	defer span.End()

	started := time.Now()
	span.SetAttributes(attribute.Bool("shell.public_key", req.PublicKey != ""))

	defer func() {
		result := string(StatusSuccess)
		if err != nil {
			result = string(shellerr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.provisions != nil {
			p.provisions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		}
		if p.provisionTime != nil {
			p.provisionTime.Record(ctx, time.Since(started).Seconds(),
				metric.WithAttributes(attribute.String("result", result)))
		}
	}()

	id, err := p.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Image: p.image,
		Cmd:   p.keepAlive,
		Ports: []runtime.PortBinding{{ContainerPort: sshPort, Protocol: runtime.TCP}},
		Labels: map[string]string{
			runtime.RoleLabel: runtime.RoleShell,
		},
	})
	if err != nil {
		kind := shellerr.Internal
		if errors.Is(err, runtime.ErrUnavailable) {
			kind = shellerr.RuntimeUnavailable
		}
		return Result{}, shellerr.New(kind, "provision", "", err)
	}
	span.SetAttributes(attribute.String("container.id", id))

	logger := p.logger.With(slog.String("containerID", id))
	logger.Info("shell container created", slog.String("image", p.image))

	// Any exit that is not full success removes the container.
	defer func() {
		if err != nil {
			p.discard(ctx, logger, id)
		}
	}()

	if err := p.rt.StartContainer(ctx, id); err != nil {
		if errors.Is(err, runtime.ErrUnavailable) {
			return Result{}, shellerr.New(shellerr.RuntimeUnavailable, "provision", id, err)
		}
		return Result{}, shellerr.New(shellerr.ContainerStartFailure, "provision", id, err)
	}
	if err := p.waitRunning(ctx, id); err != nil {
		return Result{}, err
	}

	for _, step := range Plan(id, req.PublicKey) {
		if err := p.runStep(ctx, logger, id, step); err != nil {
			return Result{}, err
		}
	}

	info, err := p.rt.Inspect(ctx, id)
	if err != nil {
		return Result{}, shellerr.FromRuntime("provision", id, err)
	}
	hostPort, ok := info.Ports[runtime.PortKey(sshPort, runtime.TCP)]
	if !ok {
		return Result{}, shellerr.New(shellerr.Internal, "provision", id, errors.New("no host port published for 22/tcp"))
	}
	port, err := strconv.Atoi(hostPort)
	if err != nil {
		return Result{}, shellerr.New(shellerr.Internal, "provision", id, fmt.Errorf("host port %q: %w", hostPort, err))
	}

	res = Result{
		Status:      StatusSuccess,
		Port:        port,
		ContainerID: id,
		User:        LoginUser,
	}
	if req.PublicKey == "" {
		res.Password = id
	}

	logger.Info("shell provisioned",
		slog.Int("port", port),
		slog.Bool("keyAuth", req.PublicKey != ""),
		slog.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

// waitRunning polls the runtime until the container reports running.
// A container that exits, or never gets there within readyTimeout, is a
// start failure.
func (p *Provisioner) waitRunning(ctx context.Context, id string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (runtime.ContainerInfo, error) {
		info, err := p.rt.Inspect(ctx, id)
		if err != nil {
			return info, backoff.Permanent(err)
		}
		switch info.State {
		case runtime.StateRunning:
			return info, nil
		case runtime.StateExited, runtime.StateDead, runtime.StateRemoving:
			return info, backoff.Permanent(fmt.Errorf("container is %s", info.State))
		default:
			return info, fmt.Errorf("container is %s", info.State)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(p.readyTimeout))
	if err != nil {
		if errors.Is(err, runtime.ErrUnavailable) {
			return shellerr.New(shellerr.RuntimeUnavailable, "provision", id, err)
		}
		return shellerr.New(shellerr.ContainerStartFailure, "provision", id, err)
	}
	return nil
}

// runStep executes one bootstrap step under the per-command timeout.
func (p *Provisioner) runStep(ctx context.Context, logger *slog.Logger, id string, step Step) error {
	stepCtx, cancel := context.WithTimeout(ctx, p.execTimeout)
	defer cancel()

	logger.Debug("bootstrap step", slog.String("step", step.Name))

	env := append([]string{"DEBIAN_FRONTEND=noninteractive"}, step.Env...)
	res, err := p.rt.Exec(stepCtx, id, step.Cmd(), env)

	fail := func(kind shellerr.Kind, output string, cause error) error {
		if p.stepFailures != nil {
			p.stepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.Name)))
		}
		logger.Error("bootstrap step failed",
			slog.String("step", step.Name),
			slog.Int("exitCode", res.ExitCode),
			slog.String("output", output),
		)
		return &shellerr.Error{
			Kind:        kind,
			Op:          "provision",
			ContainerID: id,
			Command:     step.Script,
			Output:      output,
			Err:         cause,
		}
	}

	switch {
	case err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		return fail(shellerr.BootstrapCommandFailure, res.Output,
			fmt.Errorf("timed out after %s: %w", p.execTimeout, err))
	case err != nil && errors.Is(err, runtime.ErrUnavailable):
		return fail(shellerr.RuntimeUnavailable, res.Output, err)
	case err != nil:
		return fail(shellerr.BootstrapCommandFailure, res.Output, err)
	case res.ExitCode != 0:
		return fail(shellerr.BootstrapCommandFailure, res.Output,
			fmt.Errorf("exit code %d", res.ExitCode))
	}
	return nil
}

// discard stops and removes a container whose provisioning failed.
func (p *Provisioner) discard(ctx context.Context, logger *slog.Logger, id string) {
	if p.keepFailed {
		logger.Warn("keeping failed shell container for inspection")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if err := p.rt.StopContainer(ctx, id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		logger.Warn("failed to stop failed shell container", slog.String("error", err.Error()))
	}
	if err := p.rt.RemoveContainer(ctx, id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		logger.Error("failed to remove failed shell container", slog.String("error", err.Error()))
		return
	}
	logger.Info("removed failed shell container")
}
