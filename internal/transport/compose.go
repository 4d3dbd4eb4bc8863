package transport

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailcore/internal/jobs"
	"github.com/nhle/mailcore/internal/model"
)

// Compose renders msg as an RFC 5322 text/plain message. Malformed
// addresses are permanent failures since no retry can repair them.
func Compose(msg *model.OutgoingMessage, date time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, jobs.Permanent(fmt.Errorf("invalid sender %q: %w", msg.From, err))
	}
	if len(msg.To) == 0 {
		return nil, jobs.Permanent(errors.New("message has no recipients"))
	}

	to := make([]*mail.Address, 0, len(msg.To))
	for _, rcpt := range msg.To {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return nil, jobs.Permanent(fmt.Errorf("invalid recipient %q: %w", rcpt, err))
		}
		to = append(to, addr)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	id := msg.MessageID
	if id == "" {
		id = model.NewMessageID(from.Address)
	}
	h.SetMessageID(id)
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
		h.SetMsgIDList("References", []string{msg.InReplyTo})
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message body: %w", err)
	}

	return buf.Bytes(), nil
}

// envelopeAddrs returns the bare addresses for MAIL FROM and RCPT TO.
func envelopeAddrs(msg *model.OutgoingMessage) (string, []string, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return "", nil, jobs.Permanent(fmt.Errorf("invalid sender %q: %w", msg.From, err))
	}
	rcpts := make([]string, 0, len(msg.To))
	for _, r := range msg.To {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return "", nil, jobs.Permanent(fmt.Errorf("invalid recipient %q: %w", r, err))
		}
		rcpts = append(rcpts, addr.Address)
	}
	return from.Address, rcpts, nil
}
