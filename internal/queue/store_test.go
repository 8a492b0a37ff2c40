package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDedup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	added, err := store.Enqueue(ctx, "q", "job-1", json.RawMessage(`{}`), 0)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.Enqueue(ctx, "q", "job-1", json.RawMessage(`{"other":1}`), 0)
	require.NoError(t, err)
	assert.False(t, added)

	counts, err := store.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestDelayedNotClaimableUntilDue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 50*time.Millisecond)
	require.NoError(t, err)

	job, err := store.Claim(ctx, "q", "c1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.Eventually(t, func() bool {
		job, err := store.Claim(ctx, "q", "c1", time.Minute)
		require.NoError(t, err)
		return job != nil
	}, time.Second, 10*time.Millisecond)
}

func TestClaimExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const jobs = 10
	for i := 0; i < jobs; i++ {
		_, err := store.Enqueue(ctx, "q", fmt.Sprintf("job-%d", i), nil, 0)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			consumer := fmt.Sprintf("consumer-%d", n)
			job, err := store.Claim(ctx, "q", consumer, time.Minute)
			require.NoError(t, err)
			if job == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			// a job id must never reach two consumers
			_, dup := claimed[job.ID]
			assert.False(t, dup, "job %s claimed twice", job.ID)
			claimed[job.ID] = consumer
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
}

func TestFindActiveByConsumer(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)

	job, err := store.Claim(ctx, "q", "token-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	found, err := store.FindActiveByConsumer(ctx, "q", "token-a")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "job-1", found.ID)

	none, err := store.FindActiveByConsumer(ctx, "q", "token-b")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRequeueExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)

	job, err := store.Claim(ctx, "q", "c1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)

	time.Sleep(20 * time.Millisecond)
	n, err := store.RequeueExpired(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// lease pointer must be gone and the job claimable again
	stale, err := store.FindActiveByConsumer(ctx, "q", "c1")
	require.NoError(t, err)
	assert.Nil(t, stale)

	again, err := store.Claim(ctx, "q", "c2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "job-1", again.ID)
}

func TestCompleteAndFailTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "q", "job-2", nil, 0)
	require.NoError(t, err)

	j1, err := store.Claim(ctx, "q", "c1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "q", j1.ID))

	j2, err := store.Claim(ctx, "q", "c2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, "q", j2.ID, "boom"))

	counts, err := store.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(0), counts.Active)

	// terminal jobs are never handed out again
	job, err := store.Claim(ctx, "q", "c3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	failed, err := store.Get(ctx, "q", j2.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, "boom", failed.FailReason)
}

func TestRetryMovesToDelayed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "q", "job-1", nil, 0)
	require.NoError(t, err)

	job, err := store.Claim(ctx, "q", "c1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Retry(ctx, "q", job.ID, job.Attempt, 20*time.Millisecond))

	immediate, err := store.Claim(ctx, "q", "c1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, immediate)

	require.Eventually(t, func() bool {
		job, err := store.Claim(ctx, "q", "c1", time.Minute)
		require.NoError(t, err)
		if job == nil {
			return false
		}
		assert.Equal(t, 2, job.Attempt)
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestAcquireLockTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "refill", 30*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLock(ctx, "refill", 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	// a crashed holder frees the lock by expiry
	require.Eventually(t, func() bool {
		ok, err := store.AcquireLock(ctx, "refill", 30*time.Millisecond)
		require.NoError(t, err)
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, store.ReleaseLock(ctx, "refill"))
}
