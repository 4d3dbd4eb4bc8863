package store

import (
	"context"
	"errors"

	"github.com/nhle/mailcore/internal/model"
)

// ErrNotFound is returned when a job or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// JobStore is the durable persistence contract for queued jobs. A job
// written by one caller is immediately visible to every other caller.
type JobStore interface {
	// Insert persists a new job and assigns job.ID.
	Insert(ctx context.Context, job *model.Job) (int64, error)

	// NextPending returns the pending job with the earliest NextAttemptAt,
	// lowest ID first on ties, or nil when there is none. The returned job
	// may not be eligible yet; the caller compares NextAttemptAt with now.
	NextPending(ctx context.Context) (*model.Job, error)

	// Update writes status, attempts, schedule and last error of a job.
	Update(ctx context.Context, job *model.Job) error

	// Delete removes a job. Deleting a missing job is not an error.
	Delete(ctx context.Context, id int64) error

	// Get retrieves a single job or ErrNotFound.
	Get(ctx context.Context, id int64) (*model.Job, error)

	// List returns all stored jobs ordered by ID.
	List(ctx context.Context) ([]model.Job, error)

	// ResetInProgress returns jobs left in progress by a crashed process
	// to the pending state and reports how many were reset.
	ResetInProgress(ctx context.Context) (int, error)

	// DeleteKind removes every job of the given kind.
	DeleteKind(ctx context.Context, kind model.JobKind) (int, error)
}

// ConfigStore persists account configuration as key/value pairs.
type ConfigStore interface {
	// GetConfig returns the value for key and whether it was set.
	GetConfig(ctx context.Context, key string) (string, bool, error)

	// SetConfig writes a single key.
	SetConfig(ctx context.Context, key, value string) error

	// SetConfigs writes all pairs atomically.
	SetConfigs(ctx context.Context, values map[string]string) error
}

// Store is the full persistence surface owned by an account.
type Store interface {
	JobStore
	ConfigStore
	Close() error
}

// Snapshotter is implemented by stores that can export and restore a full
// account snapshot. Callers must guarantee exclusive access.
type Snapshotter interface {
	Export(ctx context.Context, path string) error
	Restore(ctx context.Context, path string) error
}

// LoadSettings reads account settings from cs. The boolean reports whether a
// configuration has been stored at all.
func LoadSettings(ctx context.Context, cs ConfigStore) (model.Settings, bool, error) {
	values := make(map[string]string)
	found := false
	for _, key := range model.SettingsKeys() {
		v, ok, err := cs.GetConfig(ctx, key)
		if err != nil {
			return model.Settings{}, false, err
		}
		if ok {
			values[key] = v
			found = true
		}
	}
	if !found {
		return model.Settings{}, false, nil
	}

	configured, _, err := cs.GetConfig(ctx, ConfiguredKey)
	if err != nil {
		return model.Settings{}, false, err
	}
	return model.SettingsFromMap(values), configured == "1", nil
}

// ConfiguredKey marks that configure completed at least once.
const ConfiguredKey = "configured"
