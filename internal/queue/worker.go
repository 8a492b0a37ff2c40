package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// HandlerFunc processes one claimed job. A nil return completes the job; an
// error re-delays it until the attempt ceiling is reached.
type HandlerFunc func(ctx context.Context, job *Job) error

type WorkerConfig struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	Visibility   time.Duration
	MaxAttempts  int
	Backoff      string // "fixed" or "exponential"
	BackoffDelay time.Duration
}

// Worker consumes a queue with a bounded pool. Job failures never escape a
// runner; they drive the retry policy.
type Worker struct {
	store   Store
	cfg     WorkerConfig
	handler HandlerFunc

	OnActive    func(job *Job)
	OnCompleted func(job *Job)
	OnFailed    func(job *Job, err error)

	paused   atomic.Bool
	inflight sync.WaitGroup
}

func NewWorker(store Store, cfg WorkerConfig, handler HandlerFunc) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{store: store, cfg: cfg, handler: handler}
}

// Run consumes jobs until ctx is cancelled, then drains in-flight work before
// returning. Under an external deadline the caller cancels early enough that
// the drain finishes inside the window; nothing is abandoned mid-mutation.
func (w *Worker) Run(ctx context.Context) error {
	log.Infof("Worker %s started, concurrency %d", w.cfg.Queue, w.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.janitorLoop(gctx)
		return nil
	})
	for i := 0; i < w.cfg.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-worker-%s", w.cfg.Queue, uuid.NewString()[:8])
		g.Go(func() error {
			w.runnerLoop(gctx, consumer)
			return nil
		})
	}

	err := g.Wait()
	w.inflight.Wait()
	log.Infof("Worker %s stopped", w.cfg.Queue)
	return err
}

// Pause stops claiming new jobs; in-flight jobs keep running.
func (w *Worker) Pause() {
	w.paused.Store(true)
	log.Infof("Worker %s paused", w.cfg.Queue)
}

func (w *Worker) Resume() {
	w.paused.Store(false)
}

// Close waits for in-flight jobs after a Pause, bounded by ctx.
func (w *Worker) Close(ctx context.Context) error {
	w.Pause()
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s close: drain interrupted: %v", w.cfg.Queue, ctx.Err())
	}
}

// janitorLoop returns lease-expired jobs to waiting so a crashed consumer
// cannot strand work.
func (w *Worker) janitorLoop(ctx context.Context) {
	interval := w.cfg.Visibility / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.RequeueExpired(ctx, w.cfg.Queue)
			if err != nil {
				log.Errorf("Worker %s requeue expired error: %v", w.cfg.Queue, err)
				continue
			}
			if n > 0 {
				log.Warnf("Worker %s requeued %d lease-expired jobs", w.cfg.Queue, n)
			}
		}
	}
}

func (w *Worker) runnerLoop(ctx context.Context, consumer string) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.paused.Load() {
				continue
			}
			for {
				job, err := w.store.Claim(ctx, w.cfg.Queue, consumer, w.cfg.Visibility)
				if err != nil {
					log.Errorf("Worker %s claim error: %v", w.cfg.Queue, err)
					break
				}
				if job == nil {
					break
				}
				w.process(ctx, job)
				if w.paused.Load() || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.inflight.Add(1)
	defer w.inflight.Done()

	if w.OnActive != nil {
		w.OnActive(job)
	}

	err := w.invoke(ctx, job)
	if err == nil {
		if cerr := w.store.Complete(ctx, w.cfg.Queue, job.ID); cerr != nil {
			log.Errorf("Worker %s complete job %s error: %v", w.cfg.Queue, job.ID, cerr)
			return
		}
		log.Infof("Worker %s job %s completed, attempt %d", w.cfg.Queue, job.ID, job.Attempt)
		if w.OnCompleted != nil {
			w.OnCompleted(job)
		}
		return
	}

	if job.Attempt >= w.cfg.MaxAttempts {
		if ferr := w.store.Fail(ctx, w.cfg.Queue, job.ID, err.Error()); ferr != nil {
			log.Errorf("Worker %s fail job %s error: %v", w.cfg.Queue, job.ID, ferr)
			return
		}
		log.Errorf("Worker %s job %s permanently failed after %d attempts: %v", w.cfg.Queue, job.ID, job.Attempt, err)
		if w.OnFailed != nil {
			w.OnFailed(job, err)
		}
		return
	}

	delay := w.backoff(job.Attempt)
	if rerr := w.store.Retry(ctx, w.cfg.Queue, job.ID, job.Attempt, delay); rerr != nil {
		log.Errorf("Worker %s retry job %s error: %v", w.cfg.Queue, job.ID, rerr)
		return
	}
	log.Warnf("Worker %s job %s attempt %d failed, retry in %v: %v", w.cfg.Queue, job.ID, job.Attempt, delay, err)
}

// invoke shields the runner from handler panics.
func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = goerrors.Wrap(r, 2)
			log.Errorf("Worker %s job %s handler panic: %v", w.cfg.Queue, job.ID, err)
		}
	}()
	return w.handler(ctx, job)
}

// backoff computes the re-delay for a failed attempt (1-based).
func (w *Worker) backoff(attempt int) time.Duration {
	base := w.cfg.BackoffDelay
	if base <= 0 {
		base = time.Second
	}
	if w.cfg.Backoff != BackoffExponential {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return delay
}
