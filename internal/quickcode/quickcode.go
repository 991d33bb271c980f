// Package quickcode runs a one-shot command in a throwaway container
// built from a caller-chosen image.
//
// A run pulls the image, creates a container whose main process is the
// command, waits for it to exit and returns its output.  The container is
// always removed afterwards.  Images are screened by a Policy first.
package quickcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/cloudshell/internal/runtime"
	"github.com/terrpan/cloudshell/internal/shellerr"
)

// RoleQuickCode labels containers created for runs.
const RoleQuickCode = "quickcode"

// Config holds the Runner's dependencies and tunables.
type Config struct {
	Runtime runtime.Runtime
	Policy  *Policy

	// Timeout bounds a whole run, pull included.  Default: 2m.
	Timeout time.Duration

	// MaxOutput truncates the returned output.  Default: 64 KiB.
	MaxOutput int

	Logger *slog.Logger
}

// Request is the input to Run.
type Request struct {
	Image   string `json:"image"`
	Command string `json:"run_command"`
}

// Result is the outcome of a run.  A non-zero ExitCode is a result, not
// an error.
type Result struct {
	Image     string `json:"image"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Runner executes one-shot commands.
type Runner struct {
	rt        runtime.Runtime
	policy    *Policy
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
	tracer    trace.Tracer

	runs metric.Int64Counter
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Policy == nil {
		cfg.Policy = &Policy{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 << 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &Runner{
		rt:        cfg.Runtime,
		policy:    cfg.Policy,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("cloudshell/quickcode"),
	}

	var err error
	r.runs, err = otel.Meter("cloudshell/quickcode").Int64Counter(
		"cloudshell.quickcode.runs",
		metric.WithDescription("One-shot runs by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runs counter", slog.String("error", err.Error()))
	}
	return r
}

// Run executes req.Command in a fresh container of req.Image.  The command
// is split on whitespace and run without a shell.
func (r *Runner) Run(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := r.tracer.Start(ctx, "quickcode.Run")
	defer span.End()
	span.SetAttributes(attribute.String("image", req.Image))

	defer func() {
		result := "success"
		if err != nil {
			result = string(shellerr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if r.runs != nil {
			r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		}
	}()

	img, cmd, err := r.validate(req)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.rt.PullImage(ctx, img.ref); err != nil {
		kind := shellerr.ImagePullFailure
		if errors.Is(err, runtime.ErrUnavailable) {
			kind = shellerr.RuntimeUnavailable
		}
		return Result{}, shellerr.New(kind, "quickcode", "", err)
	}

	id, err := r.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Image:  img.ref,
		Cmd:    cmd,
		Labels: map[string]string{runtime.RoleLabel: RoleQuickCode},
	})
	if err != nil {
		return Result{}, shellerr.FromRuntime("quickcode", "", err)
	}
	span.SetAttributes(attribute.String("container.id", id))
	logger := r.logger.With(slog.String("containerID", id), slog.String("image", img.ref))
	defer r.remove(ctx, logger, id)

	if err := r.rt.StartContainer(ctx, id); err != nil {
		return Result{}, shellerr.New(shellerr.ContainerStartFailure, "quickcode", id, err)
	}

	code, err := r.rt.Wait(ctx, id)
	if err != nil {
		return Result{}, shellerr.FromRuntime("quickcode", id, err)
	}
	out, err := r.rt.Logs(ctx, id)
	if err != nil {
		return Result{}, shellerr.FromRuntime("quickcode", id, err)
	}

	res = Result{Image: img.ref, ExitCode: code, Output: out}
	if len(res.Output) > r.maxOutput {
		res.Output = res.Output[:r.maxOutput]
		res.Truncated = true
	}
	logger.Info("quickcode run finished", slog.Int("exitCode", code))
	return res, nil
}

func (r *Runner) validate(req Request) (image, []string, error) {
	if strings.TrimSpace(req.Image) == "" {
		return image{}, nil, shellerr.New(shellerr.InvalidRequest, "quickcode", "", errors.New("image is required"))
	}
	cmd := strings.Fields(req.Command)
	if len(cmd) == 0 {
		return image{}, nil, shellerr.New(shellerr.InvalidRequest, "quickcode", "", errors.New("run_command is required"))
	}
	img, err := parseImage(req.Image)
	if err != nil {
		return image{}, nil, shellerr.New(shellerr.InvalidRequest, "quickcode", "", fmt.Errorf("image %q: %w", req.Image, err))
	}
	if !r.policy.allowed(img) {
		return image{}, nil, shellerr.New(shellerr.ImageNotAllowed, "quickcode", "", fmt.Errorf("image %s is not allowed", img.ref))
	}
	return img, cmd, nil
}

// remove deletes the run's container even when ctx has expired.
func (r *Runner) remove(ctx context.Context, logger *slog.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.rt.RemoveContainer(ctx, id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		logger.Warn("failed to remove quickcode container", slog.String("error", err.Error()))
	}
}
