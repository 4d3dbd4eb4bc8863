package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "redis".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`

	RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// JobsConfig tunes the job queue engine.
type JobsConfig struct {
	// BackoffFloor is the delay after the first failed attempt and the
	// minimum delay between any two attempts.
	BackoffFloor time.Duration `mapstructure:"backoff_floor" yaml:"backoff_floor"`

	// BackoffCeiling caps the doubling delay.
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling" yaml:"backoff_ceiling"`

	// MaxAttempts turns a transient failure permanent once reached.
	// Zero means unlimited.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// JobTimeout bounds a single executor invocation.
	JobTimeout time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`

	// StopGrace bounds how long stop_io waits for workers to exit.
	StopGrace time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
}

// ListenerConfig tunes the IMAP and SMTP background listeners.
type ListenerConfig struct {
	// IdleCycle restarts IMAP IDLE before servers drop it.
	IdleCycle time.Duration `mapstructure:"idle_cycle" yaml:"idle_cycle"`

	// PollInterval is used instead of IDLE when the server lacks it.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// ReconnectInterval rate-limits IMAP reconnect attempts.
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`

	// SMTPProbeInterval is how often the SMTP watcher checks connectivity.
	SMTPProbeInterval time.Duration `mapstructure:"smtp_probe_interval" yaml:"smtp_probe_interval"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`

	// File receives log output instead of stderr when set.
	File string `mapstructure:"file" yaml:"file"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Account  Settings       `mapstructure:"account" yaml:"account"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Jobs     JobsConfig     `mapstructure:"jobs" yaml:"jobs"`
	Listener ListenerConfig `mapstructure:"listener" yaml:"listener"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns ~/.config/mailcore/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailcore")
}

// DefaultJobsConfig returns the engine tuning used when nothing is set.
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		BackoffFloor:   time.Minute,
		BackoffCeiling: 10 * time.Minute,
		MaxAttempts:    20,
		JobTimeout:     5 * time.Minute,
		StopGrace:      30 * time.Second,
	}
}

// DefaultListenerConfig returns the listener tuning used when nothing is set.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		IdleCycle:         25 * time.Minute,
		PollInterval:      time.Minute,
		ReconnectInterval: 30 * time.Second,
		SMTPProbeInterval: 15 * time.Minute,
	}
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(configDir(), "mailcore.db"),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "mailcore",
		},
		Jobs:     DefaultJobsConfig(),
		Listener: DefaultListenerConfig(),
		Log:      LogConfig{Level: "info"},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration. Values
// can be overridden with MAILCORE_* environment variables.
func LoadConfig(path string) (*AppConfig, error) {
	def := defaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.redis_addr", def.Store.RedisAddr)
	v.SetDefault("store.redis_prefix", def.Store.RedisPrefix)
	v.SetDefault("jobs.backoff_floor", def.Jobs.BackoffFloor)
	v.SetDefault("jobs.backoff_ceiling", def.Jobs.BackoffCeiling)
	v.SetDefault("jobs.max_attempts", def.Jobs.MaxAttempts)
	v.SetDefault("jobs.job_timeout", def.Jobs.JobTimeout)
	v.SetDefault("jobs.stop_grace", def.Jobs.StopGrace)
	v.SetDefault("listener.idle_cycle", def.Listener.IdleCycle)
	v.SetDefault("listener.poll_interval", def.Listener.PollInterval)
	v.SetDefault("listener.reconnect_interval", def.Listener.ReconnectInterval)
	v.SetDefault("listener.smtp_probe_interval", def.Listener.SMTPProbeInterval)
	v.SetDefault("log.level", def.Log.Level)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Account = cfg.Account.WithDefaults()

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("account", cfg.Account)
	v.Set("store", cfg.Store)
	v.Set("jobs", map[string]any{
		"backoff_floor":   cfg.Jobs.BackoffFloor.String(),
		"backoff_ceiling": cfg.Jobs.BackoffCeiling.String(),
		"max_attempts":    cfg.Jobs.MaxAttempts,
		"job_timeout":     cfg.Jobs.JobTimeout.String(),
		"stop_grace":      cfg.Jobs.StopGrace.String(),
	})
	v.Set("listener", map[string]any{
		"idle_cycle":          cfg.Listener.IdleCycle.String(),
		"poll_interval":       cfg.Listener.PollInterval.String(),
		"reconnect_interval":  cfg.Listener.ReconnectInterval.String(),
		"smtp_probe_interval": cfg.Listener.SMTPProbeInterval.String(),
	})
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
