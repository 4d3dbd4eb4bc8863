package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailcore/internal/logging"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/store"
)

const (
	// DefaultJobTimeout bounds a single executor invocation.
	DefaultJobTimeout = 5 * time.Minute

	// storeRetryDelay is how long the worker waits after a store error.
	storeRetryDelay = 5 * time.Second
)

// Options configures an Engine.
type Options struct {
	Store     store.JobStore
	Executors map[model.JobKind]Executor
	Emit      model.Emitter
	Backoff   Backoff

	// MaxAttempts turns a transient failure permanent once reached.
	// Zero means unlimited.
	MaxAttempts int

	JobTimeout time.Duration
	Log        *zap.Logger
}

// Engine schedules and executes persisted jobs with a single worker.
type Engine struct {
	store       store.JobStore
	emit        model.Emitter
	backoff     Backoff
	maxAttempts int
	timeout     time.Duration
	log         *zap.Logger

	mu        sync.RWMutex
	executors map[model.JobKind]Executor

	wake    chan struct{}
	running atomic.Bool
}

// New creates an Engine. The worker is not started until Run is called.
func New(opts Options) *Engine {
	e := &Engine{
		store:       opts.Store,
		emit:        opts.Emit,
		backoff:     opts.Backoff.normalized(),
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.JobTimeout,
		log:         opts.Log,
		executors:   make(map[model.JobKind]Executor),
		wake:        make(chan struct{}, 1),
	}
	if e.emit == nil {
		e.emit = func(model.Event) {}
	}
	if e.timeout <= 0 {
		e.timeout = DefaultJobTimeout
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	for kind, ex := range opts.Executors {
		e.executors[kind] = ex
	}
	return e
}

// SetExecutors replaces all registered executors. It is safe to call while
// the worker runs; the next job picks up the new set.
func (e *Engine) SetExecutors(executors map[model.JobKind]Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executors = make(map[model.JobKind]Executor, len(executors))
	for kind, ex := range executors {
		e.executors[kind] = ex
	}
}

func (e *Engine) executor(kind model.JobKind) (Executor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ex, ok := e.executors[kind]
	return ex, ok
}

// Enqueue persists a new pending job and wakes the worker. It may be called
// from any goroutine whether or not the worker is running.
func (e *Engine) Enqueue(ctx context.Context, kind model.JobKind, payload []byte) (int64, error) {
	job := &model.Job{
		Kind:    kind,
		Payload: payload,
		Status:  model.JobPending,
	}
	id, err := e.store.Insert(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s: %w", kind, err)
	}
	e.log.Debug("job enqueued", zap.Int64("job_id", id), zap.String("kind", string(kind)))
	e.Interrupt()
	return id, nil
}

// EnqueueFailed persists a job whose first attempt already happened
// outside the engine and failed with cause. It is scheduled like any other
// retry, so the floor interval holds between the two attempts.
func (e *Engine) EnqueueFailed(ctx context.Context, kind model.JobKind, payload []byte, cause error) (int64, error) {
	now := time.Now()
	job := &model.Job{
		Kind:          kind,
		Payload:       payload,
		Status:        model.JobPending,
		Attempts:      1,
		CreatedAt:     now,
		NextAttemptAt: e.backoff.Next(now, now, 1),
	}
	if cause != nil {
		job.LastError = cause.Error()
	}
	id, err := e.store.Insert(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s retry: %w", kind, err)
	}
	e.log.Debug("retry enqueued", zap.Int64("job_id", id), zap.Time("next_attempt_at", job.NextAttemptAt))
	e.Interrupt()
	return id, nil
}

// Interrupt wakes a sleeping worker so it re-reads the store. Jobs that are
// not yet due stay scheduled.
func (e *Engine) Interrupt() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Running reports whether a worker is inside Run.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Name identifies the worker to the IO scheduler.
func (e *Engine) Name() string {
	return "jobs"
}

// Run executes due jobs until ctx is cancelled. An in-flight job is allowed
// to finish and its outcome is persisted before Run returns. Only one Run
// may be active per Engine.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	defer e.running.Store(false)

	if n, err := e.store.ResetInProgress(ctx); err != nil {
		e.log.Warn("resetting interrupted jobs", zap.Error(err))
	} else if n > 0 {
		e.log.Info("resumed interrupted jobs", zap.Int("count", n))
	}

	if n, err := e.purgeFinished(ctx); err != nil {
		e.log.Warn("removing finished jobs", zap.Error(err))
	} else if n > 0 {
		e.log.Info("removed finished jobs", zap.Int("count", n))
	}

	e.log.Debug("worker started")
	defer e.log.Debug("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := e.store.NextPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Error("loading next job", zap.Error(err))
			if !e.sleep(ctx, storeRetryDelay) {
				return nil
			}
			continue
		}

		if job == nil {
			if !e.sleep(ctx, 0) {
				return nil
			}
			continue
		}

		now := time.Now()
		if !job.Eligible(now) {
			if !e.sleep(ctx, job.NextAttemptAt.Sub(now)) {
				return nil
			}
			continue
		}

		if err := e.perform(ctx, job); err != nil {
			e.log.Error("recording job outcome", append(logging.Job(job), zap.Error(err))...)
			if !e.sleep(ctx, storeRetryDelay) {
				return nil
			}
		}
	}
}

// purgeFinished deletes jobs whose outcome was recorded but whose delete
// did not go through.
func (e *Engine) purgeFinished(ctx context.Context) (int, error) {
	all, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range all {
		if !job.Status.Terminal() {
			continue
		}
		if err := e.store.Delete(ctx, job.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// sleep waits for d, a wake-up or cancellation. A non-positive d waits for
// a wake-up only. It returns false when ctx is done.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
		return true
	case <-timeout:
		return true
	}
}

// perform runs one job and records the outcome. Store writes use a context
// detached from ctx so a stop request cannot lose the result. A finished job
// is marked terminal before it is deleted, so a failed delete never brings
// it back as pending.
func (e *Engine) perform(ctx context.Context, job *model.Job) error {
	dctx := context.WithoutCancel(ctx)

	job.Status = model.JobInProgress
	job.Attempts++
	if err := e.store.Update(dctx, job); err != nil {
		return err
	}

	log := e.log.With(logging.Job(job)...)
	log.Debug("executing job")

	err := e.execute(dctx, job)
	now := time.Now()

	switch {
	case err == nil:
		job.Status = model.JobDone
		if err := e.store.Update(dctx, job); err != nil {
			return err
		}
		log.Info("job done")
		e.emit(model.NewEvent(model.EventJobDone, job.ID, int64(job.Attempts), string(job.Kind)))
		return e.store.Delete(dctx, job.ID)

	case IsPermanent(err) || (e.maxAttempts > 0 && job.Attempts >= e.maxAttempts):
		job.Status = model.JobFailed
		job.LastError = err.Error()
		if err := e.store.Update(dctx, job); err != nil {
			return err
		}
		log.Warn("job failed permanently", zap.Error(err))
		e.emit(model.NewEvent(model.EventJobFailed, job.ID, int64(job.Attempts), job.LastError))
		return e.store.Delete(dctx, job.ID)

	default:
		job.Status = model.JobPending
		job.LastError = err.Error()
		job.NextAttemptAt = e.backoff.Next(job.NextAttemptAt, now, job.Attempts)
		if err := e.store.Update(dctx, job); err != nil {
			return err
		}
		log.Info("job will be retried", zap.Error(err), zap.Time("next_attempt_at", job.NextAttemptAt))
		e.emit(model.NewEvent(model.EventJobRetry, job.ID, int64(job.Attempts), job.LastError))
	}
	return nil
}

// execute invokes the executor for job under the job timeout. A panicking
// executor counts as a transient failure.
func (e *Engine) execute(ctx context.Context, job *model.Job) (err error) {
	ex, ok := e.executor(job.Kind)
	if !ok {
		return Permanent(fmt.Errorf("no executor for job kind %q", job.Kind))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	err = ex.Execute(ctx, job.Payload)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("job timed out after %s: %w", e.timeout, err)
	}
	return err
}
