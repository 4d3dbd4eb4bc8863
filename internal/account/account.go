// Package account owns one configured mail account: its job store, job
// engine, background listeners and event queue.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nhle/mailcore/internal/credential"
	"github.com/nhle/mailcore/internal/events"
	"github.com/nhle/mailcore/internal/jobs"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/scheduler"
	"github.com/nhle/mailcore/internal/store"
)

// Credentials keeps account passwords outside the store.
type Credentials interface {
	Get(addr string) (string, error)
	Set(addr, password string) error
	Delete(addr string) error
}

// Options configures Open.
type Options struct {
	Store       store.Store
	Credentials Credentials

	// Dial builds transports; MailTransport() when nil.
	Dial DialFunc

	Jobs     model.JobsConfig
	Listener model.ListenerConfig
	Log      *zap.Logger
}

// SendOutcome is the result of DirectSend.
type SendOutcome int

const (
	Sent SendOutcome = iota
	QueuedForRetry
	PermanentFailure
)

func (o SendOutcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case QueuedForRetry:
		return "queued_for_retry"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// interrupter is implemented by listeners that can be woken early.
type interrupter interface {
	Interrupt()
}

// Account is the handle an application holds for one mail account. All
// methods are safe for concurrent use.
type Account struct {
	store  store.Store
	creds  Credentials
	dial   DialFunc
	lcfg   model.ListenerConfig
	log    *zap.Logger
	queue  *events.Queue
	engine *jobs.Engine
	sched  *scheduler.Scheduler
	guard  *guard

	// ioMu serializes StartIO and StopIO.
	ioMu sync.Mutex

	mu        sync.Mutex
	settings  model.Settings
	listeners []scheduler.Runner
}

// Open loads persisted settings from opts.Store and returns an account with
// IO stopped. An account configured by a previous run is ready to start IO.
func Open(ctx context.Context, opts Options) (*Account, error) {
	if opts.Store == nil {
		return nil, errors.New("account: store is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("account: credentials are required")
	}
	if opts.Dial == nil {
		opts.Dial = MailTransport()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	settings, configured, err := store.LoadSettings(ctx, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	a := &Account{
		store:    opts.Store,
		creds:    opts.Credentials,
		dial:     opts.Dial,
		lcfg:     opts.Listener,
		log:      opts.Log,
		queue:    events.NewQueue(),
		sched:    scheduler.New(opts.Jobs.StopGrace, opts.Log.Named("io")),
		guard:    newGuard(configured),
		settings: settings,
	}
	a.engine = jobs.New(jobs.Options{
		Store: opts.Store,
		Emit:  a.emit,
		Backoff: jobs.Backoff{
			Floor:   opts.Jobs.BackoffFloor,
			Ceiling: opts.Jobs.BackoffCeiling,
		},
		MaxAttempts: opts.Jobs.MaxAttempts,
		JobTimeout:  opts.Jobs.JobTimeout,
		Log:         opts.Log.Named("jobs"),
	})

	a.log.Info("account opened",
		zap.String("addr", settings.Addr),
		zap.Bool("configured", configured))
	return a, nil
}

// emit pushes ev to the event queue.
func (a *Account) emit(ev model.Event) {
	a.log.Debug("event",
		zap.String("type", string(ev.Type)),
		zap.Int64("data1", ev.Data1),
		zap.Int64("data2", ev.Data2),
		zap.String("data3", ev.Data3))
	a.queue.Push(ev)
}

func (a *Account) deps() Deps {
	return Deps{
		Emit:     a.emit,
		Config:   a.store,
		Enqueue:  a.engine.Enqueue,
		Listener: a.lcfg,
		Log:      a.log,
	}
}

// Settings returns the current account settings.
func (a *Account) Settings() model.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// State reports the lifecycle state.
func (a *Account) State() State {
	return a.guard.state()
}

// IsIORunning reports whether background IO is running. It never blocks
// on other account operations.
func (a *Account) IsIORunning() bool {
	_, _, running := a.guard.snapshot()
	return running
}

func (a *Account) checkOpen() error {
	if closed, _, _ := a.guard.snapshot(); closed {
		return ErrClosed
	}
	return nil
}

// Configure validates settings, checks the login against the IMAP server
// and persists both settings and password. IO must be stopped. On failure a
// *ConfigError is returned and the previous configuration stays in effect.
// Switching to another mailbox drops queued folder fetches.
func (a *Account) Configure(ctx context.Context, settings model.Settings, password string) error {
	if err := a.guard.begin(opConfigure); err != nil {
		return err
	}

	settings = settings.WithDefaults()
	err := a.configure(ctx, settings, password)
	if err != nil {
		a.guard.end(nil)
		a.emit(model.NewEvent(model.EventConfigureProgress, 0, 0, ""))
		a.emit(model.NewEvent(model.EventError, 0, 0, err.Error()))
		a.log.Warn("configure failed", zap.Error(err))
		return err
	}

	a.mu.Lock()
	a.settings = settings
	a.mu.Unlock()
	a.guard.end(func(g *guard) { g.configured = true })

	a.emit(model.NewEvent(model.EventConfigureProgress, 1000, 0, ""))
	a.log.Info("account configured", zap.String("addr", settings.Addr))
	return nil
}

func (a *Account) configure(ctx context.Context, settings model.Settings, password string) error {
	progress := func(permille int64) {
		a.emit(model.NewEvent(model.EventConfigureProgress, permille, 0, ""))
	}

	if err := settings.Validate(); err != nil {
		return &ConfigError{Stage: "validate", Err: err}
	}
	progress(100)

	t := a.dial(settings, password, a.deps())
	if err := t.Probe(ctx); err != nil {
		return &ConfigError{Stage: "login", Err: err}
	}
	progress(600)

	prev, prevErr := a.creds.Get(settings.Addr)
	if err := a.creds.Set(settings.Addr, password); err != nil {
		return &ConfigError{Stage: "credentials", Err: err}
	}
	progress(800)

	values := settings.ToMap()
	values[store.ConfiguredKey] = "1"
	if err := a.store.SetConfigs(ctx, values); err != nil {
		switch {
		case prevErr == nil:
			err = multierr.Append(err, a.creds.Set(settings.Addr, prev))
		case errors.Is(prevErr, credential.ErrNotFound):
			err = multierr.Append(err, a.creds.Delete(settings.Addr))
		}
		return &ConfigError{Stage: "persist", Err: err}
	}

	_, wasConfigured, _ := a.guard.snapshot()
	if old := a.Settings(); wasConfigured && !sameMailbox(old, settings) {
		// Queued fetches name folders on the old server.
		n, err := a.store.DeleteKind(ctx, model.JobFetchFolder)
		if err != nil {
			a.log.Warn("dropping fetches for the previous mailbox", zap.Error(err))
		} else if n > 0 {
			a.log.Info("dropped fetches for the previous mailbox", zap.Int("jobs", n))
		}
	}
	return nil
}

func sameMailbox(a, b model.Settings) bool {
	return a.Addr == b.Addr && a.Login() == b.Login() &&
		a.IMAPHost == b.IMAPHost && a.IMAPPort == b.IMAPPort
}

// StartIO starts the job worker and the listeners. It is a no-op when IO
// already runs and fails with ErrConfigureInProgress while Configure runs.
func (a *Account) StartIO() error {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	closed, _, running := a.guard.snapshot()
	if closed {
		return ErrClosed
	}
	if running {
		return nil
	}
	if err := a.guard.begin(opStartIO); err != nil {
		return err
	}

	settings := a.Settings()
	password, err := a.creds.Get(settings.Addr)
	if err != nil {
		a.guard.end(nil)
		return fmt.Errorf("loading password for %s: %w", settings.Addr, err)
	}

	t := a.dial(settings, password, a.deps())
	a.engine.SetExecutors(t.Executors())
	listeners := t.Listeners()
	runners := append([]scheduler.Runner{a.engine}, listeners...)

	if !a.sched.Start(runners...) {
		a.guard.end(nil)
		return errors.New("background workers from a previous run are still active")
	}

	a.mu.Lock()
	a.listeners = listeners
	a.mu.Unlock()
	a.guard.end(func(g *guard) {
		g.ioRunning = true
		g.ioStarted = true
	})

	a.emit(model.NewEvent(model.EventIOStarted, 0, 0, ""))
	a.log.Info("IO started", zap.Int("runners", len(runners)))
	return nil
}

// StopIO stops all background workers and blocks until they have exited.
// A job being executed is allowed to finish first. After StopIO returns
// nothing touches the job store until StartIO is called again. If a worker
// does not exit within the grace period, scheduler.ErrJoinTimeout is
// returned and IO is still considered running.
func (a *Account) StopIO() error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	return a.stopIO()
}

func (a *Account) stopIO() error {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if _, _, running := a.guard.snapshot(); !running {
		return nil
	}

	err := a.sched.Stop()
	if errors.Is(err, scheduler.ErrJoinTimeout) {
		a.log.Error("IO did not stop", zap.Error(err))
		return err
	}

	a.guard.setIORunning(false)
	a.mu.Lock()
	a.listeners = nil
	a.mu.Unlock()

	a.emit(model.NewEvent(model.EventIOStopped, 0, 0, ""))
	a.log.Info("IO stopped")
	if err != nil {
		return fmt.Errorf("background workers failed: %w", err)
	}
	return nil
}

// MaybeNetwork tells the listeners and the job worker that connectivity may
// have changed. Retry schedules are still honored.
func (a *Account) MaybeNetwork() error {
	if err := a.checkOpen(); err != nil {
		return err
	}

	a.engine.Interrupt()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.listeners {
		if i, ok := l.(interrupter); ok {
			i.Interrupt()
		}
	}
	return nil
}

// Enqueue persists a job for the worker. It works while IO is stopped; the
// job runs once IO starts.
func (a *Account) Enqueue(ctx context.Context, kind model.JobKind, payload []byte) (int64, error) {
	if err := a.checkOpen(); err != nil {
		return 0, err
	}
	return a.engine.Enqueue(ctx, kind, payload)
}

// Jobs lists the queued jobs.
func (a *Account) Jobs(ctx context.Context) ([]model.Job, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	return a.store.List(ctx)
}

// DirectSend submits msg on the calling goroutine without the job worker.
// A transient failure queues a send job whose next attempt honors the retry
// floor, and QueuedForRetry is returned with a nil error. A permanent
// failure creates no job and returns the cause. IO does not have to run.
func (a *Account) DirectSend(ctx context.Context, msg *model.OutgoingMessage) (SendOutcome, error) {
	closed, configured, _ := a.guard.snapshot()
	if closed {
		return PermanentFailure, ErrClosed
	}
	if !configured {
		return PermanentFailure, ErrNotConfigured
	}

	settings := a.Settings()
	password, err := a.creds.Get(settings.Addr)
	if err != nil {
		return PermanentFailure, fmt.Errorf("loading password for %s: %w", settings.Addr, err)
	}

	m := *msg
	if m.From == "" {
		m.From = settings.Addr
	}
	if m.MessageID == "" {
		m.MessageID = model.NewMessageID(m.From)
	}
	log := a.log.With(zap.String("message_id", m.MessageID))

	sendErr := a.dial(settings, password, a.deps()).Send(ctx, &m)
	switch {
	case sendErr == nil:
		log.Info("message sent directly")
		a.emit(model.NewEvent(model.EventMsgSent, 0, 0, m.MessageID))
		return Sent, nil

	case jobs.IsPermanent(sendErr):
		log.Warn("direct send failed permanently", zap.Error(sendErr))
		a.emit(model.NewEvent(model.EventMsgFailed, 0, 0, m.MessageID))
		return PermanentFailure, sendErr
	}

	payload, err := model.EncodePayload(&m)
	if err != nil {
		return PermanentFailure, err
	}
	// The caller's context may be the reason the send failed.
	id, err := a.engine.EnqueueFailed(context.WithoutCancel(ctx), model.JobSendMessage, payload, sendErr)
	if err != nil {
		return PermanentFailure, multierr.Append(sendErr, err)
	}
	log.Info("direct send failed, queued for retry", zap.Int64("job_id", id), zap.Error(sendErr))
	a.emit(model.NewEvent(model.EventMsgQueued, id, 0, m.MessageID))
	return QueuedForRetry, nil
}

// ExportBackup writes a snapshot of the store to path. IO must be stopped.
func (a *Account) ExportBackup(ctx context.Context, path string) error {
	if err := a.guard.begin(opExport); err != nil {
		return err
	}
	defer a.guard.end(nil)

	snap, ok := a.store.(store.Snapshotter)
	if !ok {
		return ErrBackupUnsupported
	}
	if err := snap.Export(ctx, path); err != nil {
		return fmt.Errorf("exporting backup: %w", err)
	}
	a.log.Info("backup exported", zap.String("path", path))
	return nil
}

// RestoreBackup replaces jobs and settings with the snapshot at path. IO
// must be stopped; the restore never runs through the job queue.
func (a *Account) RestoreBackup(ctx context.Context, path string) error {
	if err := a.guard.begin(opRestore); err != nil {
		return err
	}

	snap, ok := a.store.(store.Snapshotter)
	if !ok {
		a.guard.end(nil)
		return ErrBackupUnsupported
	}
	if err := snap.Restore(ctx, path); err != nil {
		a.guard.end(nil)
		return fmt.Errorf("restoring backup: %w", err)
	}

	settings, configured, err := store.LoadSettings(ctx, a.store)
	if err != nil {
		a.guard.end(nil)
		return fmt.Errorf("reloading settings: %w", err)
	}
	a.mu.Lock()
	a.settings = settings
	a.mu.Unlock()
	a.guard.end(func(g *guard) { g.configured = configured })

	a.emit(model.NewEvent(model.EventInfo, 0, 0, "backup restored from "+path))
	a.log.Info("backup restored", zap.String("path", path), zap.Bool("configured", configured))
	return nil
}

// NextEvent blocks until an event is available. After Close it returns an
// error matching both ErrClosed and events.ErrClosed.
func (a *Account) NextEvent(ctx context.Context) (model.Event, error) {
	ev, err := a.queue.Pop(ctx)
	if errors.Is(err, events.ErrClosed) {
		return model.Event{}, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ev, err
}

// Pop implements events.Source.
func (a *Account) Pop(ctx context.Context) (model.Event, error) {
	return a.NextEvent(ctx)
}

// Close stops IO, waits for a running configure or backup operation,
// releases the event queue and closes the store. Every later call fails
// with ErrClosed. If the workers overrun the stop grace period, Close still
// waits for them before closing the store and reports
// scheduler.ErrJoinTimeout.
func (a *Account) Close() error {
	if !a.guard.close() {
		return ErrClosed
	}

	err := a.stopIO()
	if errors.Is(err, scheduler.ErrJoinTimeout) {
		// The store and queue stay usable until the last runner has
		// recorded its outcome.
		a.log.Warn("waiting for background workers before releasing the store")
		if done := a.sched.Done(); done != nil {
			<-done
		}
		err = multierr.Append(err, a.stopIO())
	}
	a.queue.Close()
	if cerr := a.store.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("closing store: %w", cerr))
	}

	a.log.Info("account closed", zap.Bool("clean", err == nil))
	return err
}

// String is used in log and CLI output.
func (a *Account) String() string {
	addr := a.Settings().Addr
	if addr == "" {
		addr = "(unconfigured)"
	}
	return fmt.Sprintf("%s [%s]", addr, a.State())
}
