package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, time.Minute, cfg.Jobs.BackoffFloor)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.BackoffCeiling)
	assert.Equal(t, 20, cfg.Jobs.MaxAttempts)
	assert.Equal(t, "INBOX", cfg.Account.InboxFolder)
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
account:
  addr: alice@example.org
  imap_host: imap.example.org
  smtp_host: smtp.example.org
  tls: true
jobs:
  backoff_floor: 2m
  max_attempts: 5
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.org", cfg.Account.Addr)
	assert.Equal(t, 993, cfg.Account.IMAPPort)
	assert.Equal(t, 465, cfg.Account.SMTPPort)
	assert.Equal(t, 2*time.Minute, cfg.Jobs.BackoffFloor)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.BackoffCeiling)
	assert.Equal(t, 5, cfg.Jobs.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := defaultAppConfig()
	cfg.Account = Settings{
		Addr:     "bob@example.org",
		IMAPHost: "imap.example.org",
		SMTPHost: "smtp.example.org",
	}.WithDefaults()
	cfg.Jobs.StopGrace = 5 * time.Second

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Account, loaded.Account)
	assert.Equal(t, 5*time.Second, loaded.Jobs.StopGrace)
}
