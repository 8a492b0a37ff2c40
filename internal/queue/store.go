package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job states. Transitions: waiting -> delayed -> active -> completed | failed,
// with active -> delayed on retryable failure and active -> waiting when a
// lease expires without a terminal transition.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is one durable unit of work. ID is the idempotency key: re-enqueueing
// an id the store has ever seen is a no-op.
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	State      string          `json:"state"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt int64           `json:"enqueued_at"`
	NotBefore  int64           `json:"not_before"`
	LeasedBy   string          `json:"leased_by,omitempty"`
	LeaseUntil int64           `json:"lease_until,omitempty"`
	FailReason string          `json:"fail_reason,omitempty"`
}

// Counts are pool gauges per queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Pool is the waiting plus delayed backlog, the number used against the
// paymaster preset count.
func (c Counts) Pool() int64 {
	return c.Waiting + c.Delayed
}

// Store is the durable queue shared by every process instance. The atomic
// Claim (exactly one consumer receives a given job id) is the correctness
// boundary for the never-double-lease guarantee; everything in front of it
// is an optimization.
type Store interface {
	// Enqueue adds a job unless its id was ever seen before. Returns
	// whether the job was newly added.
	Enqueue(ctx context.Context, queue string, id string, payload json.RawMessage, delay time.Duration) (bool, error)

	// Claim promotes due delayed jobs and atomically hands at most one
	// waiting job to consumer, leasing it until now+visibility. Returns
	// nil when nothing is due.
	Claim(ctx context.Context, queue, consumer string, visibility time.Duration) (*Job, error)

	// FindActiveByConsumer returns the job currently leased by consumer,
	// or nil. Lets a repeated attempt for the same token reuse its lease.
	FindActiveByConsumer(ctx context.Context, queue, consumer string) (*Job, error)

	// Get returns a job in any state, or nil if the id is unknown.
	Get(ctx context.Context, queue, id string) (*Job, error)

	// Complete terminally finishes an active job.
	Complete(ctx context.Context, queue, id string) error

	// Retry moves an active job back to delayed with the given attempt
	// count, visible again after delay.
	Retry(ctx context.Context, queue, id string, attempt int, delay time.Duration) error

	// Fail terminally fails an active job.
	Fail(ctx context.Context, queue, id, reason string) error

	// RequeueExpired returns active jobs whose lease lapsed to waiting.
	RequeueExpired(ctx context.Context, queue string) (int, error)

	Counts(ctx context.Context, queue string) (Counts, error)

	// AcquireLock takes a TTL lease on key, e.g. the paymaster refill
	// guard. A crashed holder frees it by expiry, never by restart order.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error

	Close() error
}
