package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nhle/mailcore/internal/events"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/theme"
	"github.com/nhle/mailcore/internal/ui/monitor"
)

func configureCmd(ctx context.Context, e *env, args []string) error {
	s := e.cfg.Account
	fs := pflag.NewFlagSet("configure", pflag.ContinueOnError)
	fs.StringVar(&s.Addr, "addr", s.Addr, "email address")
	fs.StringVar(&s.Username, "username", s.Username, "login name if different from the address")
	fs.StringVar(&s.IMAPHost, "imap-host", s.IMAPHost, "IMAP server host")
	fs.IntVar(&s.IMAPPort, "imap-port", s.IMAPPort, "IMAP server port")
	fs.StringVar(&s.SMTPHost, "smtp-host", s.SMTPHost, "SMTP server host")
	fs.IntVar(&s.SMTPPort, "smtp-port", s.SMTPPort, "SMTP server port")
	fs.BoolVar(&s.TLS, "tls", s.TLS, "use implicit TLS instead of STARTTLS")
	fs.StringVar(&s.InboxFolder, "inbox", s.InboxFolder, "folder watched for new mail")
	fs.StringVar(&s.SentFolder, "sent", s.SentFolder, "sent folder to watch as well")
	fs.StringVar(&s.MvboxFolder, "mvbox", s.MvboxFolder, "chat folder to watch as well")
	password := fs.String("password", "", "account password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *password == "" {
		err := huh.NewInput().
			Title("Password for " + s.Addr).
			EchoMode(huh.EchoModePassword).
			Value(password).
			Run()
		if err != nil {
			return err
		}
	}

	if err := e.acct.Configure(ctx, s, *password); err != nil {
		return err
	}

	e.cfg.Account = e.acct.Settings()
	if err := model.SaveConfig(e.cfgPath, e.cfg); err != nil {
		return err
	}
	fmt.Printf("configured %s\n", e.acct)
	return nil
}

func runCmd(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	headless := fs.Bool("headless", false, "log events instead of showing the monitor")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := e.acct.StartIO(); err != nil {
		return err
	}

	if *headless {
		go func() {
			<-ctx.Done()
			_ = e.acct.Close()
		}()
		return events.Consume(context.Background(), e.acct, func(ev model.Event) {
			fmt.Printf("%s %-18s %d %d %s\n",
				ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Data1, ev.Data2, ev.Data3)
		})
	}

	p := tea.NewProgram(monitor.New(e.acct), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func sendCmd(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	to := fs.StringSlice("to", nil, "recipients")
	subject := fs.String("subject", "", "subject line")
	body := fs.String("body", "", "message body; read from stdin when empty")
	replyTo := fs.String("in-reply-to", "", "Message-ID of the parent message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(*to) == 0 {
		return errors.New("send: at least one --to is required")
	}

	text := *body
	if text == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading body: %w", err)
		}
		text = string(b)
	}

	outcome, err := e.acct.DirectSend(ctx, &model.OutgoingMessage{
		To:        *to,
		Subject:   *subject,
		Body:      text,
		InReplyTo: *replyTo,
	})
	fmt.Println(outcome)
	return err
}

func jobsCmd(ctx context.Context, e *env, args []string) error {
	queued, err := e.acct.Jobs(ctx)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		fmt.Println("no queued jobs")
		return nil
	}

	t := table.New().
		BorderStyle(theme.HelpStyle).
		Headers("ID", "KIND", "STATUS", "ATTEMPTS", "NEXT ATTEMPT", "LAST ERROR")
	for _, j := range queued {
		t.Row(
			strconv.FormatInt(j.ID, 10),
			string(j.Kind),
			string(j.Status),
			strconv.Itoa(j.Attempts),
			j.NextAttemptAt.Local().Format(time.DateTime),
			j.LastError,
		)
	}
	fmt.Println(t)
	return nil
}

func exportCmd(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: mailcore export <path>")
	}
	return e.acct.ExportBackup(ctx, args[0])
}

func restoreCmd(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: mailcore restore <path>")
	}
	if err := e.acct.RestoreBackup(ctx, args[0]); err != nil {
		return err
	}
	e.log.Info("restored", zap.Stringer("account", e.acct))
	fmt.Printf("restored %s\n", e.acct)
	return nil
}
