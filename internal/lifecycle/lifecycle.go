// Package lifecycle drives start, stop and delete transitions of existing
// shell containers.
//
// The state machine lives in the runtime, not here:
//
//	created → running ⇄ stopped → deleted
//
// Every operation resolves the container through the runtime first so
// that an unknown identifier is always reported as ContainerNotFound.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/cloudshell/internal/runtime"
	"github.com/terrpan/cloudshell/internal/shellerr"
)

// Config holds the Controller's dependencies.
type Config struct {
	Runtime runtime.Runtime
	Logger  *slog.Logger
}

// Controller performs lifecycle transitions.
type Controller struct {
	rt     runtime.Runtime
	logger *slog.Logger
	tracer trace.Tracer

	transitions metric.Int64Counter
}

// Status describes a shell as currently seen by the runtime.
type Status struct {
	ContainerID string        `json:"container_id"`
	Name        string        `json:"name"`
	State       runtime.State `json:"state"`
	Port        string        `json:"port,omitempty"`
	IPAddress   string        `json:"ip_address,omitempty"`
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		rt:     cfg.Runtime,
		logger: cfg.Logger,
		tracer: otel.Tracer("cloudshell/lifecycle"),
	}

	var err error
	c.transitions, err = otel.Meter("cloudshell/lifecycle").Int64Counter(
		"cloudshell.shells.transitions",
		metric.WithDescription("Lifecycle transitions by operation and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create transitions counter", slog.String("error", err.Error()))
	}
	return c
}

// Start starts the container.  Starting a running container succeeds.
func (c *Controller) Start(ctx context.Context, id string) error {
	return c.transition(ctx, "start", id, func(ctx context.Context, id string) error {
		return c.rt.StartContainer(ctx, id)
	})
}

// Stop stops the container.  Stopping a stopped container succeeds.
func (c *Controller) Stop(ctx context.Context, id string) error {
	return c.transition(ctx, "stop", id, func(ctx context.Context, id string) error {
		return c.rt.StopContainer(ctx, id)
	})
}

// Delete stops and then removes the container.  The identifier is
// invalid once Delete returns successfully.
func (c *Controller) Delete(ctx context.Context, id string) error {
	return c.transition(ctx, "delete", id, func(ctx context.Context, id string) error {
		if err := c.rt.StopContainer(ctx, id); err != nil {
			return err
		}
		return c.rt.RemoveContainer(ctx, id)
	})
}

// Status reports the container's current state and published SSH port.
func (c *Controller) Status(ctx context.Context, id string) (Status, error) {
	info, err := c.lookup(ctx, "status", id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		ContainerID: info.ID,
		Name:        info.Name,
		State:       info.State,
		Port:        info.Ports[runtime.PortKey(22, runtime.TCP)],
		IPAddress:   info.IPAddress,
	}, nil
}

func (c *Controller) lookup(ctx context.Context, op, id string) (runtime.ContainerInfo, error) {
	if strings.TrimSpace(id) == "" {
		return runtime.ContainerInfo{}, shellerr.New(shellerr.MissingIdentifier, op, "", nil)
	}
	info, err := c.rt.Inspect(ctx, id)
	if err != nil {
		return runtime.ContainerInfo{}, shellerr.FromRuntime(op, id, err)
	}
	// Only shells are managed here; the relay and foreign containers are
	// invisible.
	if info.Labels[runtime.RoleLabel] != runtime.RoleShell {
		return runtime.ContainerInfo{}, shellerr.New(shellerr.ContainerNotFound, op, id,
			fmt.Errorf("%s is not a shell: %w", id, runtime.ErrNotFound))
	}
	return info, nil
}

func (c *Controller) transition(ctx context.Context, op, id string, fn func(context.Context, string) error) (err error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle."+op)
	defer span.End()
	span.SetAttributes(attribute.String("container.id", id))

	defer func() {
		result := "success"
		if err != nil {
			result = string(shellerr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if c.transitions != nil {
			c.transitions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", op),
				attribute.String("result", result),
			))
		}
	}()

	info, err := c.lookup(ctx, op, id)
	if err != nil {
		return err
	}

	// Act on the resolved full id; the caller may have passed a prefix.
	if err := fn(ctx, info.ID); err != nil {
		return shellerr.FromRuntime(op, info.ID, err)
	}

	c.logger.Info("shell "+op,
		slog.String("containerID", info.ID),
		slog.String("previousState", string(info.State)),
	)
	return nil
}
