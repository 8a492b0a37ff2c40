package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkerConfig(maxAttempts int) WorkerConfig {
	return WorkerConfig{
		Queue:        "q",
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		Visibility:   time.Minute,
		MaxAttempts:  maxAttempts,
		Backoff:      BackoffFixed,
		BackoffDelay: time.Millisecond,
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed atomic.Int32
	worker := NewWorker(store, testWorkerConfig(3), func(ctx context.Context, job *Job) error {
		processed.Add(1)
		return nil
	})

	var completed atomic.Int32
	worker.OnCompleted = func(job *Job) { completed.Add(1) }

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)

	go worker.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := store.Get(ctx, "q", "job-1")
		require.NoError(t, err)
		return job.State == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, int32(1), completed.Load())
}

func TestWorkerBoundedRetry(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	worker := NewWorker(store, testWorkerConfig(6), func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("always fails")
	})

	var failed atomic.Int32
	worker.OnFailed = func(job *Job, err error) { failed.Add(1) }

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)

	go worker.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := store.Get(ctx, "q", "job-1")
		require.NoError(t, err)
		return job.State == StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	// processing happens exactly MaxAttempts times, never a 7th
	assert.Equal(t, int32(6), attempts.Load())
	assert.Equal(t, int32(1), failed.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(6), attempts.Load())

	job, err := store.Get(ctx, "q", "job-1")
	require.NoError(t, err)
	assert.Equal(t, 6, job.Attempt)
	assert.Equal(t, "always fails", job.FailReason)
}

func TestWorkerPanicIsRetryable(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	worker := NewWorker(store, testWorkerConfig(2), func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		panic("handler exploded")
	})

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)

	go worker.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := store.Get(ctx, "q", "job-1")
		require.NoError(t, err)
		return job.State == StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), attempts.Load())
}

func TestWorkerPauseStopsIntake(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed atomic.Int32
	worker := NewWorker(store, testWorkerConfig(1), func(ctx context.Context, job *Job) error {
		processed.Add(1)
		return nil
	})

	worker.Pause()
	go worker.Run(ctx)

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), processed.Load())

	worker.Resume()
	require.Eventually(t, func() bool {
		return processed.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, worker.Close(ctx))
}

func TestWorkerCloseDrainsInflight(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	started := make(chan struct{})
	worker := NewWorker(store, testWorkerConfig(1), func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return nil
	})

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)

	go worker.Run(ctx)
	<-started

	closed := make(chan error, 1)
	go func() { closed <- worker.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned while a job was still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-closed)

	job, err := store.Get(ctx, "q", "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
}

func TestBackoffPolicy(t *testing.T) {
	fixed := NewWorker(NewMemoryStore(), WorkerConfig{
		Queue: "q", Backoff: BackoffFixed, BackoffDelay: 2 * time.Second,
	}, nil)
	assert.Equal(t, 2*time.Second, fixed.backoff(1))
	assert.Equal(t, 2*time.Second, fixed.backoff(5))

	expo := NewWorker(NewMemoryStore(), WorkerConfig{
		Queue: "q", Backoff: BackoffExponential, BackoffDelay: 2 * time.Second,
	}, nil)
	assert.Equal(t, 2*time.Second, expo.backoff(1))
	assert.Equal(t, 4*time.Second, expo.backoff(2))
	assert.Equal(t, 16*time.Second, expo.backoff(4))
}
