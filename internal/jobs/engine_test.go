package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/mailcore/internal/events"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/store"
	"github.com/nhle/mailcore/internal/testutil"
)

var errTransient = errors.New("connection reset")

// recordingStore keeps a copy of every job passed to Update.
type recordingStore struct {
	store.JobStore

	mu      sync.Mutex
	updates []model.Job
}

func (s *recordingStore) Update(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	s.updates = append(s.updates, *job)
	s.mu.Unlock()
	return s.JobStore.Update(ctx, job)
}

func (s *recordingStore) snapshot() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Job(nil), s.updates...)
}

type harness struct {
	engine *Engine
	store  store.Store
	queue  *events.Queue
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{queue: events.NewQueue()}
	if opts.Store == nil {
		s := testutil.NewTestStore(t)
		h.store = s
		opts.Store = s
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = Backoff{Floor: 100 * time.Millisecond, Ceiling: time.Second}
	}
	opts.Emit = h.queue.Emitter()
	opts.Log = zaptest.NewLogger(t)
	h.engine = New(opts)
	t.Cleanup(h.stop)
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.engine.Run(ctx) }()
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

// next pops the next event of one of the given types, skipping others.
func (h *harness) next(t *testing.T, types ...model.EventType) model.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		ev, err := h.queue.Pop(ctx)
		require.NoError(t, err, "waiting for %v", types)
		for _, typ := range types {
			if ev.Type == typ {
				return ev
			}
		}
	}
}

func TestEngineRetriesWithGrowingBackoff(t *testing.T) {
	base := testutil.NewTestStore(t)
	rec := &recordingStore{JobStore: base}

	var calls atomic.Int32
	h := newHarness(t, Options{
		Store: rec,
		Executors: map[model.JobKind]Executor{
			model.JobSendMessage: ExecutorFunc(func(ctx context.Context, payload []byte) error {
				if calls.Add(1) <= 2 {
					return errTransient
				}
				return nil
			}),
		},
	})

	id, err := h.engine.Enqueue(context.Background(), model.JobSendMessage, []byte("P"))
	require.NoError(t, err)
	created, err := base.Get(context.Background(), id)
	require.NoError(t, err)
	t0 := created.NextAttemptAt

	h.start()
	done := h.next(t, model.EventJobDone)
	assert.Equal(t, id, done.Data1)
	assert.EqualValues(t, 3, done.Data2)

	var attempts []int
	var schedule []time.Time
	for _, u := range rec.snapshot() {
		switch u.Status {
		case model.JobInProgress:
			attempts = append(attempts, u.Attempts)
		case model.JobPending:
			schedule = append(schedule, u.NextAttemptAt)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	require.Len(t, schedule, 2)

	t1, t2 := schedule[0], schedule[1]
	assert.True(t, t0.Before(t1))
	assert.True(t, t1.Before(t2))
	assert.Less(t, t1.Sub(t0), t2.Sub(t1))
	assert.LessOrEqual(t, t2.Sub(t1), time.Second+100*time.Millisecond)

	_, err = base.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	h.stop()
	assert.Equal(t, 0, countType(h.queue, model.EventJobDone), "exactly one completion event")
}

// countType drains q and counts events of typ.
func countType(q *events.Queue, typ model.EventType) int {
	n := 0
	for {
		ev, ok := q.TryPop()
		if !ok {
			return n
		}
		if ev.Type == typ {
			n++
		}
	}
}

func TestEnginePermanentFailure(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, Options{
		Executors: map[model.JobKind]Executor{
			model.JobSendMessage: ExecutorFunc(func(ctx context.Context, payload []byte) error {
				calls.Add(1)
				return Permanent(errors.New("550 no such user"))
			}),
		},
	})

	id, err := h.engine.Enqueue(context.Background(), model.JobSendMessage, nil)
	require.NoError(t, err)
	h.start()

	ev := h.next(t, model.EventJobFailed, model.EventJobDone)
	assert.Equal(t, model.EventJobFailed, ev.Type)
	assert.Equal(t, id, ev.Data1)
	assert.Contains(t, ev.Data3, "550 no such user")

	h.stop()
	assert.EqualValues(t, 1, calls.Load())
	_, err = h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngineMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, Options{
		Backoff:     Backoff{Floor: time.Millisecond, Ceiling: 5 * time.Millisecond},
		MaxAttempts: 3,
		Executors: map[model.JobKind]Executor{
			model.JobFetchFolder: ExecutorFunc(func(ctx context.Context, payload []byte) error {
				calls.Add(1)
				return errTransient
			}),
		},
	})

	_, err := h.engine.Enqueue(context.Background(), model.JobFetchFolder, nil)
	require.NoError(t, err)
	h.start()

	ev := h.next(t, model.EventJobFailed)
	assert.EqualValues(t, 3, ev.Data2)
	h.stop()
	assert.EqualValues(t, 3, calls.Load())
}

func TestEngineUnknownKindFails(t *testing.T) {
	h := newHarness(t, Options{})

	id, err := h.engine.Enqueue(context.Background(), model.JobMoveMessage, nil)
	require.NoError(t, err)
	h.start()

	ev := h.next(t, model.EventJobFailed)
	assert.Equal(t, id, ev.Data1)
	assert.Contains(t, ev.Data3, "no executor")
}

func TestEngineWakesOnEnqueue(t *testing.T) {
	h := newHarness(t, Options{
		Executors: map[model.JobKind]Executor{
			model.JobMarkSeen: ExecutorFunc(func(ctx context.Context, payload []byte) error { return nil }),
		},
	})
	h.start()

	// Let the worker find the store empty and go to sleep.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	id, err := h.engine.Enqueue(context.Background(), model.JobMarkSeen, nil)
	require.NoError(t, err)

	ev := h.next(t, model.EventJobDone)
	assert.Equal(t, id, ev.Data1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngineRunsInEligibilityOrder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Now()

	later := &model.Job{Kind: model.JobFetchFolder, NextAttemptAt: now.Add(-time.Second)}
	first := &model.Job{Kind: model.JobFetchFolder, NextAttemptAt: now.Add(-time.Minute)}
	tie := &model.Job{Kind: model.JobFetchFolder, NextAttemptAt: now.Add(-time.Minute)}
	for _, j := range []*model.Job{later, first, tie} {
		_, err := s.Insert(ctx, j)
		require.NoError(t, err)
	}

	h := newHarness(t, Options{
		Store: s,
		Executors: map[model.JobKind]Executor{
			model.JobFetchFolder: ExecutorFunc(func(ctx context.Context, payload []byte) error { return nil }),
		},
	})
	h.start()

	var got []int64
	for range 3 {
		got = append(got, h.next(t, model.EventJobDone).Data1)
	}
	assert.Equal(t, []int64{first.ID, tie.ID, later.ID}, got)
}

func TestEngineNoDuplicateExecution(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	seen := make(map[string]int)

	exec := ExecutorFunc(func(ctx context.Context, payload []byte) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)

		mu.Lock()
		seen[string(payload)]++
		retry := seen[string(payload)] == 1 && payload[0]%2 == 0
		mu.Unlock()
		if retry {
			return errTransient
		}
		return nil
	})

	h := newHarness(t, Options{
		Backoff:   Backoff{Floor: time.Millisecond, Ceiling: 2 * time.Millisecond},
		Executors: map[model.JobKind]Executor{model.JobSendMessage: exec},
	})
	h.start()

	// A second worker on the same engine is refused.
	assert.Eventually(t, h.engine.Running, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.engine.Run(context.Background()), ErrWorkerRunning)

	const total = 20
	var wg sync.WaitGroup
	for i := range total {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Enqueue(context.Background(), model.JobSendMessage, []byte{byte(i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for range total {
		h.next(t, model.EventJobDone)
	}
	h.stop()

	assert.EqualValues(t, 1, maxInFlight.Load())
	for p, n := range seen {
		if p[0]%2 == 0 {
			assert.Equal(t, 2, n, "payload %d", p[0])
		} else {
			assert.Equal(t, 1, n, "payload %d", p[0])
		}
	}
}

func TestEngineStopWaitsForInFlightJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(t, Options{
		Executors: map[model.JobKind]Executor{
			model.JobSendMessage: ExecutorFunc(func(ctx context.Context, payload []byte) error {
				close(started)
				<-release
				return ctx.Err()
			}),
		},
	})

	id, err := h.engine.Enqueue(context.Background(), model.JobSendMessage, nil)
	require.NoError(t, err)
	h.start()
	<-started

	h.cancel()
	select {
	case <-h.done:
		t.Fatal("worker exited while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-h.done)
	h.cancel = nil

	// Stopping does not cancel the job, so it completed and was removed.
	_, err = h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngineResumesInterruptedJobs(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	job := &model.Job{Kind: model.JobSendMessage, Status: model.JobInProgress, Attempts: 1}
	_, err := s.Insert(ctx, job)
	require.NoError(t, err)

	h := newHarness(t, Options{
		Store: s,
		Executors: map[model.JobKind]Executor{
			model.JobSendMessage: ExecutorFunc(func(ctx context.Context, payload []byte) error { return nil }),
		},
	})
	h.start()

	ev := h.next(t, model.EventJobDone)
	assert.Equal(t, job.ID, ev.Data1)
	assert.EqualValues(t, 2, ev.Data2)
}

func TestEngineEnqueueWhileStopped(t *testing.T) {
	h := newHarness(t, Options{})

	id, err := h.engine.Enqueue(context.Background(), model.JobFetchFolder, []byte(`{"folder":"INBOX"}`))
	require.NoError(t, err)

	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.False(t, h.engine.Running())
}

// failingDeleteStore fails the first n deletes.
type failingDeleteStore struct {
	store.JobStore
	fail atomic.Int32
}

func (s *failingDeleteStore) Delete(ctx context.Context, id int64) error {
	if s.fail.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return s.JobStore.Delete(ctx, id)
}

func TestEngineFailedDeleteDoesNotRerunFinishedJob(t *testing.T) {
	base := testutil.NewTestStore(t)
	s := &failingDeleteStore{JobStore: base}
	s.fail.Store(1)

	var calls atomic.Int32
	h := newHarness(t, Options{
		Store: s,
		Executors: map[model.JobKind]Executor{
			model.JobSendMessage: ExecutorFunc(func(ctx context.Context, payload []byte) error {
				calls.Add(1)
				return nil
			}),
		},
	})

	id, err := h.engine.Enqueue(context.Background(), model.JobSendMessage, []byte("P"))
	require.NoError(t, err)

	h.start()
	h.next(t, model.EventJobDone)
	h.stop()

	job, err := base.Get(context.Background(), id)
	require.NoError(t, err, "the failed delete leaves the row behind")
	assert.Equal(t, model.JobDone, job.Status)

	// A restarted worker cleans the row up instead of running it again.
	h.start()
	require.Eventually(t, func() bool {
		_, err := base.Get(context.Background(), id)
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 5*time.Millisecond)
	h.stop()

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 0, countType(h.queue, model.EventJobDone))
}
