package account

import (
	"context"

	"go.uber.org/zap"

	"github.com/nhle/mailcore/internal/jobs"
	"github.com/nhle/mailcore/internal/listener"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/scheduler"
	"github.com/nhle/mailcore/internal/store"
	"github.com/nhle/mailcore/internal/transport"
)

// Transport is everything an account needs from the mail servers for one
// set of settings.
type Transport interface {
	// Probe checks that the credentials are accepted.
	Probe(ctx context.Context) error

	// Send submits a message. Permanent failures are wrapped with
	// jobs.Permanent.
	Send(ctx context.Context, msg *model.OutgoingMessage) error

	// Executors returns the job executors bound to these settings.
	Executors() map[model.JobKind]jobs.Executor

	// Listeners returns the background watchers started with IO.
	Listeners() []scheduler.Runner
}

// Deps are the account services a Transport may use.
type Deps struct {
	Emit     model.Emitter
	Config   store.ConfigStore
	Enqueue  listener.EnqueueFunc
	Listener model.ListenerConfig
	Log      *zap.Logger
}

// DialFunc builds a Transport. It must not connect; connections are made
// by the returned methods.
type DialFunc func(settings model.Settings, password string, deps Deps) Transport

// MailTransport returns a DialFunc backed by real IMAP and SMTP clients.
func MailTransport(opts ...transport.Option) DialFunc {
	return func(settings model.Settings, password string, deps Deps) Transport {
		return &mailTransport{
			settings: settings,
			imap:     transport.NewIMAPClient(settings, password, opts...),
			smtp:     transport.NewSender(settings, password, opts...),
			deps:     deps,
		}
	}
}

type mailTransport struct {
	settings model.Settings
	imap     *transport.IMAPClient
	smtp     *transport.Sender
	deps     Deps
}

func (t *mailTransport) Probe(ctx context.Context) error {
	return t.imap.Probe(ctx)
}

func (t *mailTransport) Send(ctx context.Context, msg *model.OutgoingMessage) error {
	return t.smtp.Send(ctx, msg)
}

func (t *mailTransport) Executors() map[model.JobKind]jobs.Executor {
	x := &transport.Executors{
		IMAP:    t.imap,
		SMTP:    t.smtp,
		Cursors: t.deps.Config,
		Emit:    t.deps.Emit,
		Log:     t.deps.Log.Named("executor"),
	}
	return x.Map()
}

func (t *mailTransport) Listeners() []scheduler.Runner {
	var runners []scheduler.Runner
	for _, folder := range t.settings.WatchedFolders() {
		runners = append(runners, listener.NewIMAPIdle(t.imap, folder, t.deps.Enqueue,
			t.deps.Emit, t.deps.Listener, t.deps.Log.Named("imap")))
	}
	return append(runners, listener.NewSMTPWatcher(t.smtp.Probe,
		t.deps.Listener.SMTPProbeInterval, t.deps.Emit, t.deps.Log.Named("smtp")))
}
