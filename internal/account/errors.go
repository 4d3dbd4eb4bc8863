package account

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("account closed")

	// ErrIORunning is returned by operations that need IO stopped first.
	ErrIORunning = errors.New("IO is running; stop it first")

	// ErrConfigureInProgress is returned when configure holds the account.
	ErrConfigureInProgress = errors.New("configure in progress")

	// ErrBusy is returned when another exclusive operation is running.
	ErrBusy = errors.New("another account operation is in progress")

	// ErrNotConfigured is returned when the account has no settings yet.
	ErrNotConfigured = errors.New("account not configured")

	// ErrBackupUnsupported is returned when the store cannot snapshot.
	ErrBackupUnsupported = errors.New("store does not support backups")
)

// ConfigError reports which configure step failed. The account keeps its
// previous settings.
type ConfigError struct {
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configure (%s): %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
