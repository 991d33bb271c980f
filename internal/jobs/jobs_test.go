package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/cloudshell/internal/provision"
	"github.com/terrpan/cloudshell/internal/shellerr"
)

// ---------------------------------------------------------------------------
// Flaky provisioner
// ---------------------------------------------------------------------------

// flaky fails the first failures calls and succeeds afterwards.
type flaky struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flaky) provision(_ context.Context, req provision.Request) (provision.Result, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		if f.err != nil {
			return provision.Result{}, f.err
		}
		return provision.Result{}, fmt.Errorf("attempt %d failed", n)
	}
	return provision.Result{
		Status:      "success",
		Port:        32768,
		ContainerID: fmt.Sprintf("c%d", n),
		User:        "root",
	}, nil
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type QueueSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *QueueSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *QueueSuite) TearDownTest() {
	s.cancel()
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func (s *QueueSuite) newQueue(fn ProvisionFunc, classify Classifier) *Queue {
	q := New(Config{Provision: fn, Workers: 2, Classify: classify})
	q.Start(s.ctx)
	s.T().Cleanup(func() {
		_ = q.Shutdown(context.Background())
	})
	return q
}

func (s *QueueSuite) TestSucceedsFirstAttempt() {
	f := &flaky{}
	q := s.newQueue(f.provision, nil)

	id, err := q.Submit(provision.Request{}, 3, time.Millisecond)
	require.NoError(s.T(), err)

	job, err := q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusSucceeded, job.Status)
	assert.Equal(s.T(), 1, job.Attempts)
	require.NotNil(s.T(), job.Result)
	assert.Equal(s.T(), 32768, job.Result.Port)
	assert.Empty(s.T(), job.Error)
	assert.Equal(s.T(), int32(1), f.calls.Load())
}

func (s *QueueSuite) TestRetriesUntilSuccess() {
	f := &flaky{failures: 2}
	q := s.newQueue(f.provision, nil)

	id, err := q.Submit(provision.Request{}, 5, time.Millisecond)
	require.NoError(s.T(), err)

	job, err := q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusSucceeded, job.Status)
	assert.Equal(s.T(), 3, job.Attempts)
	assert.Equal(s.T(), int32(3), f.calls.Load())
	assert.Equal(s.T(), "c3", job.Result.ContainerID)
	assert.Nil(s.T(), job.Err)
}

func (s *QueueSuite) TestGivesUpAfterMaxAttempts() {
	f := &flaky{failures: 10}
	q := s.newQueue(f.provision, nil)

	id, err := q.Submit(provision.Request{}, 3, time.Millisecond)
	require.NoError(s.T(), err)

	job, err := q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusFailed, job.Status)
	assert.Equal(s.T(), 3, job.Attempts)
	assert.Equal(s.T(), int32(3), f.calls.Load())
	assert.Nil(s.T(), job.Result)
	assert.Equal(s.T(), "attempt 3 failed", job.Error)
	require.Error(s.T(), job.Err)
}

func (s *QueueSuite) TestMaxAttemptsEqualToFailures() {
	f := &flaky{failures: 2}
	q := s.newQueue(f.provision, nil)

	id, err := q.Submit(provision.Request{}, 2, time.Millisecond)
	require.NoError(s.T(), err)

	job, err := q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusFailed, job.Status)
	assert.Equal(s.T(), int32(2), f.calls.Load())
}

func (s *QueueSuite) TestSingleAttempt() {
	f := &flaky{failures: 1}
	q := s.newQueue(f.provision, nil)

	id, err := q.Submit(provision.Request{}, 1, time.Hour)
	require.NoError(s.T(), err)

	job, err := q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusFailed, job.Status)
	assert.Equal(s.T(), 1, job.Attempts)
}

func (s *QueueSuite) TestClassifierStopsRetries() {
	bootstrap := shellerr.New(shellerr.BootstrapCommandFailure, "provision", "abc", errors.New("apt-get failed"))
	f := &flaky{failures: 10, err: bootstrap}

	classify := func(err error) Disposition {
		if shellerr.Is(err, shellerr.BootstrapCommandFailure) {
			return Terminal
		}
		return Retryable
	}
	q := s.newQueue(f.provision, classify)

	id, err := q.Submit(provision.Request{}, 5, time.Millisecond)
	require.NoError(s.T(), err)

	job, err := q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusFailed, job.Status)
	assert.Equal(s.T(), 1, job.Attempts)
	assert.Equal(s.T(), shellerr.BootstrapCommandFailure, job.ErrorKind)
	assert.True(s.T(), shellerr.Is(job.Err, shellerr.BootstrapCommandFailure))
}

func (s *QueueSuite) TestPanicIsAFailedAttempt() {
	var calls atomic.Int32
	fn := func(context.Context, provision.Request) (provision.Result, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return provision.Result{Status: "success", Port: 1}, nil
	}
	q := s.newQueue(fn, nil)

	id, err := q.Submit(provision.Request{}, 2, time.Millisecond)
	require.NoError(s.T(), err)

	job, err := q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusSucceeded, job.Status)
	assert.Equal(s.T(), 2, job.Attempts)
}

func (s *QueueSuite) TestRequestIsPassedThrough() {
	var got atomic.Value
	fn := func(_ context.Context, req provision.Request) (provision.Result, error) {
		got.Store(req.PublicKey)
		return provision.Result{Status: "success"}, nil
	}
	q := s.newQueue(fn, nil)

	id, err := q.Submit(provision.Request{PublicKey: "ssh-ed25519 AAAA test"}, 1, 0)
	require.NoError(s.T(), err)
	_, err = q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "ssh-ed25519 AAAA test", got.Load())
}

func (s *QueueSuite) TestStatusDuringRetryWait() {
	f := &flaky{failures: 1}
	q := s.newQueue(f.provision, nil)

	id, err := q.Submit(provision.Request{}, 2, 300*time.Millisecond)
	require.NoError(s.T(), err)

	assert.Eventually(s.T(), func() bool {
		job, err := q.Get(id)
		return err == nil && job.Status == StatusRetrying
	}, 250*time.Millisecond, 5*time.Millisecond)

	job, err := q.Get(id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, job.Attempts)
	assert.Equal(s.T(), "attempt 1 failed", job.Error)

	job, err = q.Wait(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusSucceeded, job.Status)
}

func (s *QueueSuite) TestConcurrentJobs() {
	f := &flaky{}
	q := s.newQueue(f.provision, nil)

	ids := make([]string, 20)
	for i := range ids {
		id, err := q.Submit(provision.Request{}, 1, 0)
		require.NoError(s.T(), err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Wait(s.ctx, id)
			assert.NoError(s.T(), err)
			assert.Equal(s.T(), StatusSucceeded, job.Status)
		}()
	}
	wg.Wait()
	assert.Equal(s.T(), int32(20), f.calls.Load())
}

func (s *QueueSuite) TestGetUnknown() {
	q := s.newQueue((&flaky{}).provision, nil)
	_, err := q.Get("nope")
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func (s *QueueSuite) TestSubmitValidation() {
	q := s.newQueue((&flaky{}).provision, nil)

	_, err := q.Submit(provision.Request{}, 0, time.Second)
	assert.Error(s.T(), err)

	_, err = q.Submit(provision.Request{}, 1, -time.Second)
	assert.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// Queue limits and shutdown
// ---------------------------------------------------------------------------

func TestSubmit_QueueFull(t *testing.T) {
	q := New(Config{Provision: (&flaky{}).provision, QueueSize: 1})

	_, err := q.Submit(provision.Request{}, 1, 0)
	require.NoError(t, err)

	id, err := q.Submit(provision.Request{}, 1, 0)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Empty(t, id)
}

func TestShutdown_FailsPendingJobs(t *testing.T) {
	q := New(Config{Provision: (&flaky{}).provision})

	id, err := q.Submit(provision.Request{}, 1, 0)
	require.NoError(t, err)

	require.NoError(t, q.Shutdown(context.Background()))

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.ErrorIs(t, job.Err, ErrClosed)

	_, err = q.Submit(provision.Request{}, 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdown_AbandonsRetryWait(t *testing.T) {
	f := &flaky{failures: 1}
	q := New(Config{Provision: f.provision})
	q.Start(context.Background())

	id, err := q.Submit(provision.Request{}, 3, time.Hour)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, _ := q.Get(id)
		return job.Status == StatusRetrying
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Shutdown(context.Background()))

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "attempt 1 failed", job.Error)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestShutdown_CancelsInFlightAttempt(t *testing.T) {
	started := make(chan struct{})
	fn := func(ctx context.Context, _ provision.Request) (provision.Result, error) {
		close(started)
		<-ctx.Done()
		return provision.Result{}, ctx.Err()
	}
	q := New(Config{Provision: fn})
	q.Start(context.Background())

	id, err := q.Submit(provision.Request{}, 5, 0)
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Shutdown(context.Background()))

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.ErrorIs(t, job.Err, context.Canceled)
}

func TestWait_ContextDone(t *testing.T) {
	q := New(Config{Provision: (&flaky{}).provision})
	id, err := q.Submit(provision.Request{}, 1, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
