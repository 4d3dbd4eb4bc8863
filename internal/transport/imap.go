package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailcore/internal/model"
)

// Envelope holds the parsed envelope data from an IMAP message.
type Envelope struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      time.Time
	Flags     []string
}

// IMAPClient wraps go-imap v2 for connecting to and querying the
// account's IMAP server. Every operation uses its own connection.
type IMAPClient struct {
	host     string
	addr     string
	username string
	password string
	security security
}

// NewIMAPClient creates a client configuration for the account.
func NewIMAPClient(s model.Settings, password string, opts ...Option) *IMAPClient {
	return &IMAPClient{
		host:     s.IMAPHost,
		addr:     s.IMAPAddr(),
		username: s.Login(),
		password: password,
		security: applyOptions(s, opts),
	}
}

// Session is a logged-in IMAP connection. Close logs out and releases it.
type Session struct {
	*imapclient.Client
	stop func() bool
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	s.stop()
	_ = s.Client.Logout().Wait()
	return s.Client.Close()
}

// Dial connects, secures and authenticates a session. opts may carry a
// unilateral data handler; nil is fine. The connection is closed when ctx
// is done so blocked commands return promptly.
func (c *IMAPClient) Dial(ctx context.Context, opts *imapclient.Options) (*Session, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", c.addr, err)
	}

	o := imapclient.Options{}
	if opts != nil {
		o = *opts
	}
	o.TLSConfig = &tls.Config{ServerName: c.host}

	var client *imapclient.Client
	switch c.security {
	case securityTLS:
		client = imapclient.New(tls.Client(conn, o.TLSConfig), &o)
	case securityStartTLS:
		client, err = imapclient.NewStartTLS(conn, &o)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("IMAP STARTTLS: %w", err)
		}
	default:
		client = imapclient.New(conn, &o)
	}

	stop := context.AfterFunc(ctx, func() { client.Close() })

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		stop()
		client.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("IMAP login: %w", ctx.Err())
		}
		return nil, &AuthError{
			Server:  "imap",
			Message: fmt.Sprintf("authentication failed for %s: %v", c.username, err),
		}
	}

	return &Session{Client: client, stop: stop}, nil
}

// Probe logs in and out again.
func (c *IMAPClient) Probe(ctx context.Context) error {
	sess, err := c.Dial(ctx, nil)
	if err != nil {
		return err
	}
	return sess.Close()
}

// FetchSince returns envelopes of messages in folder with a UID above
// after, ordered by UID, plus the folder's UIDVALIDITY.
func (c *IMAPClient) FetchSince(ctx context.Context, folder string, after uint32) ([]Envelope, uint32, error) {
	sess, err := c.Dial(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer sess.Close()

	sel, err := sess.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, 0, fmt.Errorf("selecting %s: %w", folder, err)
	}
	if sel.NumMessages == 0 {
		return nil, sel.UIDValidity, nil
	}

	uidSet := imap.UIDSet{imap.UIDRange{Start: imap.UID(after + 1)}}
	fetchCmd := sess.Fetch(uidSet, &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})
	defer fetchCmd.Close()

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		// "n:*" matches the highest UID even when it is below n.
		if uint32(buf.UID) <= after {
			continue
		}
		envelopes = append(envelopes, envelopeFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return envelopes, sel.UIDValidity, fmt.Errorf("fetching envelopes: %w", err)
	}

	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].UID < envelopes[j].UID })
	return envelopes, sel.UIDValidity, nil
}

// Move moves the message uid from folder to dest.
func (c *IMAPClient) Move(ctx context.Context, folder string, uid uint32, dest string) error {
	sess, err := c.Dial(ctx, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := sess.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", folder, err)
	}

	if _, err := sess.Move(imap.UIDSetNum(imap.UID(uid)), dest).Wait(); err != nil {
		return fmt.Errorf("moving UID %d to %s: %w", uid, dest, err)
	}
	return nil
}

// MarkSeen adds the \Seen flag to the message uid in folder.
func (c *IMAPClient) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	sess, err := c.Dial(ctx, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := sess.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", folder, err)
	}

	storeCmd := sess.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("marking UID %d seen: %w", uid, err)
	}
	return nil
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.From = from.Name
			} else {
				env.From = from.Addr()
			}
		}

		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
	}

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	return env
}
