// Package main is the entry point for the smtptest probe.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/smtptest-lite/internal/cli"
	"github.com/shineum/smtptest-lite/internal/config"
	"github.com/shineum/smtptest-lite/internal/message"
	"github.com/shineum/smtptest-lite/internal/oauth"
	"github.com/shineum/smtptest-lite/internal/probe"
	"github.com/shineum/smtptest-lite/internal/report"
	"github.com/shineum/smtptest-lite/internal/ses"
)

var version = "dev"

// stdinFd is the descriptor the password prompt reads from.
var stdinFd = func() int { return int(os.Stdin.Fd()) }

var errOAuth2Username = errors.New("OAuth2 client credentials need a username (--username)")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Debug("received signal, aborting probe", "signal", sig)
		cancel()
	}()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes one probe and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rep := report.New(stdout, stderr)

	cmd, err := cli.Parse(args)
	if err != nil {
		var usageErr *cli.UsageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(stderr, usageErr.Usage)
			rep.Errorf("%v", err)
			return probe.ExitUsage
		}
		rep.Errorf("failed to load configuration: %v", err)
		return probe.ExitConnect
	}
	if cmd.Help {
		fmt.Fprintln(stdout, cmd.Usage)
		return probe.ExitOK
	}
	if cmd.Version {
		fmt.Fprintf(stdout, "smtptest %s\n", version)
		return probe.ExitOK
	}

	level := cmd.Config.Logging.Level
	if cmd.Options.Verbose {
		level = "debug"
	}
	setupLogger(stderr, level)

	opts := cmd.Options
	cfg := cmd.Config
	if cfg.OAuth2Configured() {
		if opts.Username == "" {
			rep.Errorf("%v", errOAuth2Username)
			return probe.ExitUsage
		}
		slog.Debug("using OAuth2 client credentials", "client_id", cfg.OAuth2.ClientID)
		opts.TokenSource = oauth.NewTokenSource(oauth.Config{
			TenantID:     cfg.OAuth2.TenantID,
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scope:        cfg.OAuth2.Scope,
		}, nil)
	}

	msg := message.Compose(opts.From, opts.To, time.Now())

	// The dump goes out before any pre-flight call can fail.
	if opts.Verbose {
		var extra []report.Field
		if cfg.SESConfigured() {
			extra = append(extra, report.Field{Name: "ses region", Value: cfg.SES.Region})
		}
		probe.Describe(rep, opts, msg, extra...)
		opts.Verbose = false
	}

	if err := preflight(ctx, cmd, &opts, rep); err != nil {
		rep.Errorf("%v", err)
		return probe.ExitConnect
	}

	err = probe.New(opts, msg, rep).Run(ctx)
	return probe.ExitCode(err)
}

// preflight fills in credentials that need AWS or the terminal: SES SMTP
// credentials and a prompted password.
func preflight(ctx context.Context, cmd *cli.Command, opts *probe.Options, rep *report.Reporter) error {
	if cmd.Config.SESConfigured() {
		if err := applySES(ctx, cmd.Config, opts, rep); err != nil {
			return err
		}
	}

	if cmd.AskPassword && opts.Username != "" && opts.Password == "" && opts.TokenSource == nil {
		pass, err := cli.ReadPassword(rep.Stderr(), stdinFd())
		if err != nil {
			return err
		}
		opts.Password = pass
	}
	return nil
}

func applySES(ctx context.Context, cfg *config.Config, opts *probe.Options, rep *report.Reporter) error {
	awsCfg, err := ses.LoadAWSConfig(ctx, ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
	})
	if err != nil {
		return err
	}

	if opts.Username == "" {
		creds, err := ses.Credentials(ctx, awsCfg)
		if err != nil {
			return err
		}
		slog.Debug("using SES SMTP credentials", "region", cfg.SES.Region, "username", creds.Username)
		opts.Username = creds.Username
		opts.Password = creds.Password
	}

	if cfg.SES.CheckIdentity {
		sender := probe.EnvelopeAddress(opts.From)
		verified, err := ses.NewIdentityChecker(awsCfg).Verified(ctx, sender)
		switch {
		case err != nil:
			rep.Warnf("SES identity check for %s: %v", sender, err)
		case verified:
			rep.Infof("SES identity %s is verified for sending", sender)
		default:
			rep.Warnf("SES identity %s is not verified for sending", sender)
		}
	}
	return nil
}

// setupLogger configures the global slog logger with text output on w and
// the specified log level.
func setupLogger(w io.Writer, level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
