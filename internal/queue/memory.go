package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a single-process Store with the same semantics as the redis
// backend. Used for tests and for running the service without shared
// infrastructure.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	locks  map[string]time.Time
}

type memQueue struct {
	jobs      map[string]*Job
	leases    map[string]string // consumer -> job id
	completed int64
	failed    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: make(map[string]*memQueue),
		locks:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) queue(name string) *memQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memQueue{
			jobs:   make(map[string]*Job),
			leases: make(map[string]string),
		}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryStore) Enqueue(_ context.Context, queue, id string, payload json.RawMessage, delay time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	if _, seen := q.jobs[id]; seen {
		return false, nil
	}
	now := time.Now()
	job := &Job{
		ID:         id,
		Payload:    payload,
		State:      StateWaiting,
		EnqueuedAt: now.UnixMilli(),
		NotBefore:  now.Add(delay).UnixMilli(),
	}
	if delay > 0 {
		job.State = StateDelayed
	}
	q.jobs[id] = job
	return true, nil
}

func (s *MemoryStore) Claim(_ context.Context, queue, consumer string, visibility time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	now := time.Now().UnixMilli()
	for _, job := range q.jobs {
		if job.State == StateDelayed && job.NotBefore <= now {
			job.State = StateWaiting
		}
	}

	var waiting []*Job
	for _, job := range q.jobs {
		if job.State == StateWaiting {
			waiting = append(waiting, job)
		}
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].EnqueuedAt != waiting[j].EnqueuedAt {
			return waiting[i].EnqueuedAt < waiting[j].EnqueuedAt
		}
		return waiting[i].ID < waiting[j].ID
	})
	job := waiting[0]
	job.State = StateActive
	job.Attempt++
	job.LeasedBy = consumer
	job.LeaseUntil = time.Now().Add(visibility).UnixMilli()
	q.leases[consumer] = job.ID

	cp := *job
	return &cp, nil
}

func (s *MemoryStore) FindActiveByConsumer(_ context.Context, queue, consumer string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	id, ok := q.leases[consumer]
	if !ok {
		return nil, nil
	}
	job, ok := q.jobs[id]
	if !ok || job.State != StateActive || job.LeasedBy != consumer {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, queue, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue(queue).jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Complete(_ context.Context, queue, id string) error {
	return s.finish(queue, id, StateCompleted, "")
}

func (s *MemoryStore) Fail(_ context.Context, queue, id, reason string) error {
	return s.finish(queue, id, StateFailed, reason)
}

func (s *MemoryStore) finish(queue, id, state, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("finish %s/%s: unknown job", queue, id)
	}
	if job.State == state {
		return nil
	}
	if job.LeasedBy != "" {
		delete(q.leases, job.LeasedBy)
	}
	job.State = state
	job.LeasedBy = ""
	job.LeaseUntil = 0
	job.FailReason = reason
	if state == StateCompleted {
		q.completed++
	} else {
		q.failed++
	}
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, queue, id string, attempt int, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("retry %s/%s: unknown job", queue, id)
	}
	if job.LeasedBy != "" {
		delete(q.leases, job.LeasedBy)
	}
	job.State = StateDelayed
	job.Attempt = attempt
	job.NotBefore = time.Now().Add(delay).UnixMilli()
	job.LeasedBy = ""
	job.LeaseUntil = 0
	return nil
}

func (s *MemoryStore) RequeueExpired(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	now := time.Now().UnixMilli()
	n := 0
	for _, job := range q.jobs {
		if job.State == StateActive && job.LeaseUntil <= now {
			if job.LeasedBy != "" {
				delete(q.leases, job.LeasedBy)
			}
			job.State = StateWaiting
			job.LeasedBy = ""
			job.LeaseUntil = 0
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Counts(_ context.Context, queue string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	now := time.Now().UnixMilli()
	counts := Counts{Completed: q.completed, Failed: q.failed}
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			counts.Waiting++
		case StateDelayed:
			// count delayed-but-due as waiting, matching the redis
			// backend's promote-on-claim view of the backlog
			if job.NotBefore <= now {
				counts.Waiting++
			} else {
				counts.Delayed++
			}
		case StateActive:
			counts.Active++
		}
	}
	return counts, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.locks[key]; ok && time.Now().Before(until) {
		return false, nil
	}
	s.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, key)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
