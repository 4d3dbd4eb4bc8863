// Command mailcore runs a store-and-forward mail account from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nhle/mailcore/internal/account"
	"github.com/nhle/mailcore/internal/logging"
	"github.com/nhle/mailcore/internal/model"
)

const usage = `usage: mailcore [--config path] <command> [flags]

commands:
  configure   set account settings and store the password
  run         start IO and watch events (--headless logs them instead)
  send        send a message directly, queueing it on transient failure
  jobs        list queued jobs
  export      write a backup snapshot to a file
  restore     replace jobs and settings from a backup snapshot
`

// globals are the flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
	logFile    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mailcore:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var g globals
	fs := pflag.NewFlagSet("mailcore", pflag.ContinueOnError)
	fs.StringVar(&g.configPath, "config", model.DefaultConfigPath(), "config file")
	fs.StringVar(&g.logLevel, "log-level", "", "override the configured log level")
	fs.StringVar(&g.logFile, "log-file", "", "write logs to this file instead of stderr")
	fs.SetInterspersed(false)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	commands := map[string]func(context.Context, *env, []string) error{
		"configure": configureCmd,
		"run":       runCmd,
		"send":      sendCmd,
		"jobs":      jobsCmd,
		"export":    exportCmd,
		"restore":   restoreCmd,
	}
	fn, ok := commands[cmd]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	interactive := cmd == "run" && !slices.Contains(rest, "--headless")
	e, err := newEnv(ctx, g, interactive)
	if err != nil {
		return err
	}
	defer e.close()

	return fn(ctx, e, rest)
}

// env holds what every command needs: configuration, logger and the open
// account.
type env struct {
	cfg     *model.AppConfig
	cfgPath string
	log     *zap.Logger
	acct    *account.Account
}

func newEnv(ctx context.Context, g globals, interactive bool) (*env, error) {
	cfg, err := model.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFile != "" {
		cfg.Log.File = g.logFile
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	// A full-screen UI owns the terminal; stderr logging would corrupt it.
	if interactive && cfg.Log.File == "" {
		log = zap.NewNop()
	}

	acct, err := account.OpenFromConfig(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("opening account: %w", err)
	}
	return &env{cfg: cfg, cfgPath: g.configPath, log: log, acct: acct}, nil
}

func (e *env) close() {
	if err := e.acct.Close(); err != nil && !errors.Is(err, account.ErrClosed) {
		e.log.Error("closing account", zap.Error(err))
	}
	_ = e.log.Sync()
}
