package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/mailcore/internal/model"
)

// dialTimeout bounds connection setup when ctx carries no deadline.
const dialTimeout = 30 * time.Second

// security selects how a connection is protected.
type security int

const (
	securityTLS security = iota
	securityStartTLS
	securityNone
)

func securityFor(s model.Settings) security {
	if s.TLS {
		return securityTLS
	}
	return securityStartTLS
}

// Option adjusts a client.
type Option func(*options)

type options struct {
	insecure bool
}

// WithoutTLS connects in plain text. It exists for local bridges that
// listen on loopback only.
func WithoutTLS() Option {
	return func(o *options) { o.insecure = true }
}

func applyOptions(s model.Settings, opts []Option) security {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.insecure {
		return securityNone
	}
	return securityFor(s)
}

// Sender submits messages over SMTP.
type Sender struct {
	host     string
	addr     string
	username string
	password string
	security security
}

// NewSender creates a sender for the account's SMTP server.
func NewSender(s model.Settings, password string, opts ...Option) *Sender {
	return &Sender{
		host:     s.SMTPHost,
		addr:     s.SMTPAddr(),
		username: s.Login(),
		password: password,
		security: applyOptions(s, opts),
	}
}

// connect dials, secures and authenticates a client. The connection is
// closed when ctx is done.
func (s *Sender) connect(ctx context.Context) (*smtp.Client, func(), error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial to %s: %w", s.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	tlsConfig := &tls.Config{ServerName: s.host}

	var client *smtp.Client
	switch s.security {
	case securityTLS:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	case securityStartTLS:
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			stop()
			conn.Close()
			return nil, nil, fmt.Errorf("SMTP STARTTLS: %w", err)
		}
	default:
		client = smtp.NewClient(conn)
	}

	release := func() {
		stop()
		client.Close()
	}

	if err := client.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
		release()
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && smtpErr.Code == 535 {
			return nil, nil, &AuthError{
				Server:  "smtp",
				Message: fmt.Sprintf("authentication failed for %s: %v", s.username, err),
			}
		}
		return nil, nil, fmt.Errorf("SMTP auth: %w", err)
	}

	return client, release, nil
}

// Send composes msg and submits it. The returned error is already
// classified: permanent failures are wrapped with jobs.Permanent.
func (s *Sender) Send(ctx context.Context, msg *model.OutgoingMessage) error {
	from, rcpts, err := envelopeAddrs(msg)
	if err != nil {
		return err
	}
	body, err := Compose(msg, time.Now())
	if err != nil {
		return err
	}

	client, release, err := s.connect(ctx)
	if err != nil {
		return Classify(err)
	}
	defer release()

	if err := client.SendMail(from, rcpts, bytes.NewReader(body)); err != nil {
		return Classify(fmt.Errorf("sending message %s: %w", msg.MessageID, err))
	}

	// The server accepted the message; a failed QUIT must not cause a resend.
	_ = client.Quit()
	return nil
}

// Probe verifies that the server is reachable and accepts the credentials.
func (s *Sender) Probe(ctx context.Context) error {
	client, release, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := client.Noop(); err != nil {
		return fmt.Errorf("SMTP NOOP: %w", err)
	}
	return client.Quit()
}
