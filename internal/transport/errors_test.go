package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"

	"github.com/nhle/mailcore/internal/jobs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"nil", nil, false},
		{"network", errors.New("dial tcp: connection refused"), false},
		{"auth", &AuthError{Server: "smtp", Message: "bad password"}, true},
		{"smtp 550", fmt.Errorf("rcpt: %w", &smtp.SMTPError{Code: 550, Message: "no such user"}), true},
		{"smtp 451", &smtp.SMTPError{Code: 451, Message: "try again later"}, false},
		{"imap missing mailbox", &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeTryCreate,
			Text: "no such mailbox",
		}, true},
		{"imap busy", &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeInUse,
			Text: "mailbox locked",
		}, false},
		{"already permanent", jobs.Permanent(errors.New("x")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.Equal(t, tt.permanent, jobs.IsPermanent(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestIsAuthError(t *testing.T) {
	err := fmt.Errorf("configure: %w", &AuthError{Server: "imap", Message: "denied"})
	assert.True(t, IsAuthError(err))
	assert.False(t, IsAuthError(errors.New("denied")))
	assert.Contains(t, err.Error(), "auth error (imap)")
}
