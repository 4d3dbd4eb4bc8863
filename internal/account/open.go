package account

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nhle/mailcore/internal/credential"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/store"
)

// OpenStore creates the job store selected by cfg.
func OpenStore(ctx context.Context, cfg model.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
			}
		}
		return store.NewSQLiteStore(cfg.Path)
	case "redis":
		return store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenFromConfig opens the account described by cfg using the system
// keyring and real mail transports.
func OpenFromConfig(ctx context.Context, cfg *model.AppConfig, log *zap.Logger) (*Account, error) {
	s, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	creds, err := credential.Open("")
	if err != nil {
		s.Close()
		return nil, err
	}

	a, err := Open(ctx, Options{
		Store:       s,
		Credentials: creds,
		Jobs:        cfg.Jobs,
		Listener:    cfg.Listener,
		Log:         log,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return a, nil
}
