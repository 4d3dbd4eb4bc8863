// Package listener holds the long-running transport watchers started with
// IO: an IMAP IDLE loop that schedules folder fetches and an SMTP
// connectivity watcher.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/transport"
)

// EnqueueFunc schedules a job.
type EnqueueFunc func(ctx context.Context, kind model.JobKind, payload []byte) (int64, error)

// Dialer opens an IMAP session. *transport.IMAPClient implements it.
type Dialer interface {
	Dial(ctx context.Context, opts *imapclient.Options) (*transport.Session, error)
}

// IMAPIdle watches one folder and enqueues fetch_folder jobs when it
// changes. It reconnects at most once per ReconnectInterval.
type IMAPIdle struct {
	dialer    Dialer
	folder    string
	enqueue   EnqueueFunc
	emit      model.Emitter
	cfg       model.ListenerConfig
	limiter   *rate.Limiter
	interrupt chan struct{}
	log       *zap.Logger
}

// NewIMAPIdle creates a listener for folder.
func NewIMAPIdle(
	dialer Dialer,
	folder string,
	enqueue EnqueueFunc,
	emit model.Emitter,
	cfg model.ListenerConfig,
	log *zap.Logger,
) *IMAPIdle {
	def := model.DefaultListenerConfig()
	if cfg.IdleCycle <= 0 {
		cfg.IdleCycle = def.IdleCycle
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if emit == nil {
		emit = func(model.Event) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IMAPIdle{
		dialer:    dialer,
		folder:    folder,
		enqueue:   enqueue,
		emit:      emit,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		interrupt: make(chan struct{}, 1),
		log:       log.With(zap.String("folder", folder)),
	}
}

// Name identifies the listener to the IO scheduler.
func (l *IMAPIdle) Name() string {
	return "imap:" + l.folder
}

// Interrupt ends the current wait, schedules a fetch and lets a pending
// reconnect happen now.
func (l *IMAPIdle) Interrupt() {
	select {
	case l.interrupt <- struct{}{}:
	default:
	}
}

// Run keeps a session open until ctx is done.
func (l *IMAPIdle) Run(ctx context.Context) error {
	for {
		if err := l.wait(ctx); err != nil {
			return nil
		}

		err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.log.Warn("imap session ended", zap.Error(err))
			l.emit(model.NewEvent(model.EventWarning, 0, 0, fmt.Sprintf("IMAP %s: %v", l.folder, err)))
		}
	}
}

// wait blocks on the reconnect limiter. An interrupt skips the wait.
func (l *IMAPIdle) wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	d := r.Delay()
	if d == 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-l.interrupt:
		r.Cancel()
		return nil
	case <-t.C:
		return nil
	}
}

func (l *IMAPIdle) fetch(ctx context.Context) error {
	payload, err := model.EncodePayload(model.FolderPayload{Folder: l.folder})
	if err != nil {
		return err
	}
	if _, err := l.enqueue(ctx, model.JobFetchFolder, payload); err != nil {
		return fmt.Errorf("scheduling fetch: %w", err)
	}
	return nil
}

// session runs one connection: fetch once, then IDLE (or poll) and fetch
// after every change.
func (l *IMAPIdle) session(ctx context.Context) error {
	updates := make(chan struct{}, 1)
	sess, err := l.dialer.Dial(ctx, &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case updates <- struct{}{}:
					default:
					}
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := sess.Select(l.folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", l.folder, err)
	}
	if err := l.fetch(ctx); err != nil {
		return err
	}

	idle := sess.Caps().Has(imap.CapIdle)
	l.log.Debug("imap listener connected", zap.Bool("idle", idle))

	for {
		var err error
		if idle {
			err = l.idleOnce(ctx, sess, updates)
		} else {
			err = l.pollOnce(ctx, sess, updates)
		}
		if err != nil || ctx.Err() != nil {
			return err
		}
		if err := l.fetch(ctx); err != nil {
			return err
		}
	}
}

// idleOnce idles until the mailbox changes, the cycle expires or an
// interrupt arrives. It returns nil when a fetch should follow.
func (l *IMAPIdle) idleOnce(ctx context.Context, sess *transport.Session, updates <-chan struct{}) error {
	cmd, err := sess.Idle()
	if err != nil {
		return fmt.Errorf("starting IDLE: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	t := time.NewTimer(l.cfg.IdleCycle)
	defer t.Stop()

	select {
	case <-ctx.Done():
		_ = cmd.Close()
		return nil
	case err := <-done:
		// The server ended IDLE on its own.
		if err == nil {
			err = errors.New("server terminated IDLE")
		}
		return err
	case <-updates:
	case <-t.C:
	case <-l.interrupt:
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("stopping IDLE: %w", err)
	}
	return <-done
}

// pollOnce waits for the poll interval and checks the connection.
func (l *IMAPIdle) pollOnce(ctx context.Context, sess *transport.Session, updates <-chan struct{}) error {
	t := time.NewTimer(l.cfg.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-updates:
	case <-t.C:
	case <-l.interrupt:
	}

	if err := sess.Noop().Wait(); err != nil {
		return fmt.Errorf("NOOP: %w", err)
	}
	return nil
}
