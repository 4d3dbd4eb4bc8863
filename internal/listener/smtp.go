package listener

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailcore/internal/model"
)

// probeTimeout bounds a single connectivity check.
const probeTimeout = 30 * time.Second

// ProbeFunc checks that the SMTP server is reachable.
type ProbeFunc func(ctx context.Context) error

// SMTPWatcher probes the submission server periodically and on demand and
// reports the result as network_probe events: Data1 is 1 when the server
// was reachable, Data3 holds the failure.
type SMTPWatcher struct {
	probe     ProbeFunc
	interval  time.Duration
	emit      model.Emitter
	interrupt chan struct{}
	log       *zap.Logger
}

// NewSMTPWatcher creates a watcher. A non-positive interval uses the
// default.
func NewSMTPWatcher(probe ProbeFunc, interval time.Duration, emit model.Emitter, log *zap.Logger) *SMTPWatcher {
	if interval <= 0 {
		interval = model.DefaultListenerConfig().SMTPProbeInterval
	}
	if emit == nil {
		emit = func(model.Event) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPWatcher{
		probe:     probe,
		interval:  interval,
		emit:      emit,
		interrupt: make(chan struct{}, 1),
		log:       log,
	}
}

// Name identifies the watcher to the IO scheduler.
func (w *SMTPWatcher) Name() string {
	return "smtp"
}

// Interrupt triggers an immediate probe.
func (w *SMTPWatcher) Interrupt() {
	select {
	case w.interrupt <- struct{}{}:
	default:
	}
}

// Run probes until ctx is done.
func (w *SMTPWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.interrupt:
		}
		w.check(ctx)
	}
}

func (w *SMTPWatcher) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := w.probe(pctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.log.Info("smtp probe failed", zap.Error(err))
		w.emit(model.NewEvent(model.EventNetworkProbe, 0, 0, err.Error()))
		return
	}
	w.log.Debug("smtp probe ok")
	w.emit(model.NewEvent(model.EventNetworkProbe, 1, 0, ""))
}
