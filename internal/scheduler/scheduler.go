// Package scheduler starts and stops the background workers of an account
// as a single unit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultStopGrace bounds how long Stop waits for runners to exit.
const DefaultStopGrace = 30 * time.Second

// ErrJoinTimeout is returned by Stop when a runner did not exit within the
// grace period. The scheduler stays running; a later Stop waits again.
var ErrJoinTimeout = errors.New("background workers did not stop in time")

// Runner is a background worker. Run must return soon after ctx is done.
// A non-nil error other than context.Canceled stops the whole set.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler owns one set of runners at a time.
type Scheduler struct {
	grace time.Duration
	log   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New returns a stopped Scheduler.
func New(grace time.Duration, log *zap.Logger) *Scheduler {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{grace: grace, log: log}
}

// Running reports whether a runner set was started and not yet joined.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Start launches runners. It reports false without starting anything when
// a previous set is still running.
func (s *Scheduler) Start(runners ...Runner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	// errgroup keeps only the first error; every failure is collected so
	// Stop can report all of them.
	var (
		emu  sync.Mutex
		errs error
	)
	for _, r := range runners {
		g.Go(func() error {
			s.log.Debug("runner started", zap.String("runner", r.Name()))
			err := r.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("runner failed", zap.String("runner", r.Name()), zap.Error(err))
				err = fmt.Errorf("%s: %w", r.Name(), err)
				emu.Lock()
				errs = multierr.Append(errs, err)
				emu.Unlock()
				return err
			}
			s.log.Debug("runner exited", zap.String("runner", r.Name()))
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		s.mu.Lock()
		s.err = errs
		s.mu.Unlock()
		close(done)
	}()

	s.cancel = cancel
	s.done = done
	s.err = nil
	return true
}

// Stop cancels the running set and blocks until every runner has returned
// or the grace period elapses. Stopping a stopped Scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrJoinTimeout, s.grace)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent Stop may already have cleared the set.
	if s.done != done {
		return nil
	}
	err := s.err
	s.cancel, s.done, s.err = nil, nil, nil
	return err
}

// Done is closed when the current runner set has fully exited. It returns
// nil when nothing runs.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil
	}
	return s.done
}
