// Package jobs runs shell provisioning asynchronously with bounded
// retries.
//
// A submitted job is queued, picked up by a worker and attempted.  Each
// attempt yields an Outcome that says whether the job succeeded, failed
// for good, or may be retried; retryable failures are queued again after
// the job's interval until its attempt budget is spent.  The last error
// is kept on the job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/cloudshell/internal/provision"
	"github.com/terrpan/cloudshell/internal/shellerr"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")

	// ErrQueueFull is returned by Submit when no more jobs can be queued.
	ErrQueueFull = errors.New("job queue is full")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("job queue is shut down")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Disposition classifies the outcome of a single attempt.
type Disposition int

const (
	Succeeded Disposition = iota
	Retryable
	Terminal
)

func (d Disposition) String() string {
	switch d {
	case Succeeded:
		return "succeeded"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// Outcome is the result of one attempt.
type Outcome struct {
	Disposition Disposition
	Result      provision.Result
	Err         error
}

// Job is a snapshot of a provisioning job.
type Job struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Interval    time.Duration     `json:"-"`
	Request     provision.Request `json:"-"`
	Result      *provision.Result `json:"result,omitempty"`

	// Err is the error of the most recent failed attempt.
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	ErrorKind shellerr.Kind `json:"error_kind,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProvisionFunc is the unit of work a job runs.
type ProvisionFunc func(ctx context.Context, req provision.Request) (provision.Result, error)

// Classifier decides whether a failed attempt may be retried.
type Classifier func(err error) Disposition

// RetryAll treats every error as retryable.
func RetryAll(error) Disposition { return Retryable }

// Config holds the Queue's dependencies.
type Config struct {
	Provision ProvisionFunc

	// Store defaults to a MemoryStore with Retention.
	Store Store

	// Retention is how long finished jobs stay readable in the default
	// store.  Default: 1h.
	Retention time.Duration

	// Workers is the number of concurrent workers.  Default: 1.
	Workers int

	// QueueSize bounds pending jobs.  Default: 64.
	QueueSize int

	// Classify defaults to RetryAll.
	Classify Classifier

	Logger *slog.Logger
}

// Queue schedules and runs provisioning jobs.
type Queue struct {
	provision ProvisionFunc
	store     Store
	classify  Classifier
	workers   int
	logger    *slog.Logger
	tracer    trace.Tracer

	tasks chan string
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    map[string]chan struct{}

	attempts metric.Int64Counter
	finished metric.Int64Counter
}

// New creates a Queue.  Call Start to begin processing.
func New(cfg Config) *Queue {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(cfg.Retention)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Classify == nil {
		cfg.Classify = RetryAll
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	q := &Queue{
		provision: cfg.Provision,
		store:     cfg.Store,
		classify:  cfg.Classify,
		workers:   cfg.Workers,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("cloudshell/jobs"),
		tasks:     make(chan string, cfg.QueueSize),
		stop:      make(chan struct{}),
		done:      make(map[string]chan struct{}),
	}

	meter := otel.Meter("cloudshell/jobs")
	var err error
	q.attempts, err = meter.Int64Counter(
		"cloudshell.jobs.attempts",
		metric.WithDescription("Provisioning job attempts by disposition"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create attempts counter", slog.String("error", err.Error()))
	}
	q.finished, err = meter.Int64Counter(
		"cloudshell.jobs.finished",
		metric.WithDescription("Jobs reaching a terminal status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create finished counter", slog.String("error", err.Error()))
	}
	_, err = meter.Int64ObservableGauge(
		"cloudshell.jobs.pending",
		metric.WithDescription("Jobs waiting for a worker"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(q.tasks)))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create pending gauge", slog.String("error", err.Error()))
	}

	return q
}

// Start launches the workers.  Attempts run under ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for range q.workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("job workers started", slog.Int("workers", q.workers))
}

// Submit queues a provisioning job that is attempted at most maxAttempts
// times, waiting interval between attempts.
func (q *Queue) Submit(req provision.Request, maxAttempts int, interval time.Duration) (string, error) {
	if maxAttempts < 1 {
		return "", fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}
	if interval < 0 {
		return "", fmt.Errorf("retry interval must not be negative, got %s", interval)
	}

	now := time.Now().UTC()
	job := Job{
		ID:          uuid.NewString(),
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		Interval:    interval,
		Request:     req,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.store.Put(job)
	q.done[job.ID] = make(chan struct{})
	select {
	case q.tasks <- job.ID:
	default:
		q.store.Delete(job.ID)
		delete(q.done, job.ID)
		return "", ErrQueueFull
	}

	q.logger.Info("job submitted",
		slog.String("jobID", job.ID),
		slog.Int("maxAttempts", maxAttempts),
		slog.Duration("interval", interval),
	)
	return job.ID, nil
}

// Get returns the current snapshot of a job.
func (q *Queue) Get(id string) (Job, error) {
	job, ok := q.store.Get(id)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (q *Queue) Wait(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	ch, ok := q.done[id]
	q.mu.Unlock()
	if !ok {
		// Unknown, or finished before Wait was called.
		return q.Get(id)
	}
	select {
	case <-ch:
		return q.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Shutdown stops accepting jobs, cancels in-flight attempts and waits for
// workers to exit.  Jobs that have not finished are marked failed.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Drain anything still queued.
	for {
		select {
		case id := <-q.tasks:
			q.abandon(id)
		default:
			q.logger.Info("job workers stopped")
			return nil
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.tasks:
			q.run(ctx, id)
		}
	}
}

// run performs one attempt of job id and schedules what comes next.
func (q *Queue) run(ctx context.Context, id string) {
	job, ok := q.store.Get(id)
	if !ok {
		q.logger.Warn("dequeued unknown job", slog.String("jobID", id))
		return
	}

	job.Status = StatusRunning
	job.Attempts++
	job.UpdatedAt = time.Now().UTC()
	q.store.Put(job)

	logger := q.logger.With(slog.String("jobID", id), slog.Int("attempt", job.Attempts))
	logger.Info("job attempt started")

	out := q.attempt(ctx, job)
	if q.attempts != nil {
		q.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", out.Disposition.String())))
	}

	// An attempt interrupted by shutdown is never retried.
	if out.Disposition == Retryable && ctx.Err() != nil {
		out.Disposition = Terminal
	}

	job.UpdatedAt = time.Now().UTC()
	switch {
	case out.Disposition == Succeeded:
		res := out.Result
		job.Result = &res
		job.Status = StatusSucceeded
		job.Err, job.Error, job.ErrorKind = nil, "", ""
		q.finish(ctx, job)
		logger.Info("job succeeded", slog.String("containerID", res.ContainerID))

	case out.Disposition == Retryable && job.Attempts < job.MaxAttempts:
		q.setErr(&job, out.Err)
		job.Status = StatusRetrying
		q.store.Put(job)
		logger.Warn("job attempt failed, retrying",
			slog.String("error", out.Err.Error()),
			slog.Duration("interval", job.Interval),
		)
		q.requeue(id, job.Interval)

	default:
		q.setErr(&job, out.Err)
		job.Status = StatusFailed
		q.finish(ctx, job)
		logger.Error("job failed",
			slog.String("error", out.Err.Error()),
			slog.Int("attempts", job.Attempts),
		)
	}
}

// attempt runs the provisioning function once and classifies the result.
// A panic in the work function counts as a failed attempt.
func (q *Queue) attempt(ctx context.Context, job Job) (out Outcome) {
	ctx, span := q.tracer.Start(ctx, "jobs.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
	)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			out = Outcome{Disposition: q.classify(err), Err: err}
		}
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
	}()

	res, err := q.provision(ctx, job.Request)
	if err != nil {
		return Outcome{Disposition: q.classify(err), Err: err}
	}
	return Outcome{Disposition: Succeeded, Result: res}
}

func (q *Queue) requeue(id string, interval time.Duration) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		t := time.NewTimer(interval)
		defer t.Stop()
		select {
		case <-t.C:
		case <-q.stop:
			q.abandon(id)
			return
		}
		select {
		case q.tasks <- id:
		case <-q.stop:
			q.abandon(id)
		}
	}()
}

// abandon marks a job that will never run again as failed.
func (q *Queue) abandon(id string) {
	job, ok := q.store.Get(id)
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = StatusFailed
	job.UpdatedAt = time.Now().UTC()
	if job.Err == nil {
		q.setErr(&job, ErrClosed)
	}
	q.finish(context.Background(), job)
}

func (q *Queue) setErr(job *Job, err error) {
	job.Err = err
	job.Error = err.Error()
	job.ErrorKind = shellerr.KindOf(err)
}

func (q *Queue) finish(ctx context.Context, job Job) {
	q.store.Put(job)
	if q.finished != nil {
		q.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(job.Status))))
	}

	q.mu.Lock()
	if ch, ok := q.done[job.ID]; ok {
		close(ch)
		delete(q.done, job.ID)
	}
	q.mu.Unlock()
}
