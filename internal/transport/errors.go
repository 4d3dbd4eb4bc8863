package transport

import (
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"

	"github.com/nhle/mailcore/internal/jobs"
)

// AuthError indicates that a server rejected the account credentials.
type AuthError struct {
	// Server is "imap" or "smtp".
	Server  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Server, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Classify marks errors that retrying cannot fix as permanent: rejected
// credentials, 5xx SMTP replies and IMAP NO responses naming a missing
// mailbox. Everything else stays transient.
func Classify(err error) error {
	if err == nil || jobs.IsPermanent(err) {
		return err
	}
	if IsAuthError(err) {
		return jobs.Permanent(err)
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 && smtpErr.Code < 600 {
		return jobs.Permanent(err)
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
		switch imapErr.Code {
		case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate,
			imap.ResponseCodeNoPerm, imap.ResponseCodeCannot:
			return jobs.Permanent(err)
		}
	}
	return err
}
