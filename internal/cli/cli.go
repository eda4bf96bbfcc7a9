// Package cli turns the command line into probe options. Flags override
// environment variables, which override the optional YAML config file.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/DavidGamba/go-getoptions"
	"golang.org/x/term"

	"github.com/shineum/smtptest-lite/internal/config"
	"github.com/shineum/smtptest-lite/internal/probe"
)

const synopsis = "Usage: smtptest [options] FROM_ADDRESS TO_ADDRESS SERVER_ADDRESS"

// ErrArgCount is returned when the positional arguments are not exactly
// from, to and server.
var ErrArgCount = errors.New("incorrect number of arguments")

// UsageError reports a command line the probe cannot run with.
type UsageError struct {
	Usage string
	Err   error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// Command is the resolved command line.
type Command struct {
	Options probe.Options
	Config  *config.Config

	Help        bool
	Version     bool
	AskPassword bool

	Usage string
}

type flags struct {
	useTLS, useSSL, quick, verbose bool
	port, debugLevel               int
	username, password, helo       string
	verifyCert                     bool
	timeout                        string
	askPassword                    bool
	configPath                     string
	tenant, clientID, clientSecret string
	sesRegion                      string
	sesCheckIdentity               bool
	help, version                  bool
}

func newParser(f *flags) *getoptions.GetOpt {
	opt := getoptions.New()
	// -tq is -t -q. Long names need two dashes.
	opt.SetMode(getoptions.Bundling)

	opt.BoolVar(&f.useTLS, "usetls", false, opt.Alias("t"),
		opt.Description("Upgrade the connection with STARTTLS"))
	opt.BoolVar(&f.useSSL, "usessl", false, opt.Alias("s"),
		opt.Description("Use TLS from the first byte (SMTPS)"))
	opt.IntVar(&f.port, "port", 0, opt.Alias("n"), opt.ArgName("PORT"),
		opt.Description("Server port (default 25)"))
	opt.StringVar(&f.username, "username", "", opt.Alias("u"), opt.ArgName("USER"),
		opt.Description("SMTP AUTH username"))
	opt.StringVar(&f.password, "password", "", opt.Alias("p"), opt.ArgName("PASS"),
		opt.Description("SMTP AUTH password"))
	opt.BoolVar(&f.quick, "quick", false, opt.Alias("q"),
		opt.Description("Try VRFY before sending a message"))
	opt.BoolVar(&f.verbose, "verbose", false, opt.Alias("v"),
		opt.Description("Print the resolved options and the message"))
	opt.IntVar(&f.debugLevel, "debuglevel", 0, opt.Alias("d"), opt.ArgName("N"),
		opt.Description("Protocol trace level, 1 plain, 2 structured"))

	opt.StringVar(&f.helo, "helo", "", opt.ArgName("NAME"),
		opt.Description("Name announced in EHLO (default localhost)"))
	opt.BoolVar(&f.verifyCert, "verify-cert", false,
		opt.Description("Verify the server certificate"))
	opt.StringVar(&f.timeout, "timeout", "", opt.ArgName("DURATION"),
		opt.Description("Limit for the whole session, e.g. 30s"))
	opt.BoolVar(&f.askPassword, "ask-password", false,
		opt.Description("Prompt for the password on the terminal"))
	opt.StringVar(&f.configPath, "config", "", opt.ArgName("FILE"),
		opt.Description("YAML config file (default $SMTPTEST_CONFIG)"))
	opt.StringVar(&f.tenant, "oauth2-tenant", "", opt.ArgName("ID"),
		opt.Description("OAuth2 tenant for AUTH XOAUTH2"))
	opt.StringVar(&f.clientID, "oauth2-client-id", "", opt.ArgName("ID"),
		opt.Description("OAuth2 client id"))
	opt.StringVar(&f.clientSecret, "oauth2-client-secret", "", opt.ArgName("SECRET"),
		opt.Description("OAuth2 client secret"))
	opt.StringVar(&f.sesRegion, "ses-region", "", opt.ArgName("REGION"),
		opt.Description("Derive SMTP credentials for Amazon SES in REGION"))
	opt.BoolVar(&f.sesCheckIdentity, "ses-check-identity", false,
		opt.Description("Check that the sender is verified in SES"))

	opt.BoolVar(&f.help, "help", false, opt.Alias("h"),
		opt.Description("Show this help"))
	opt.BoolVar(&f.version, "version", false,
		opt.Description("Show the version"))
	return opt
}

func usage(opt *getoptions.GetOpt) string {
	return synopsis + "\n\n" + opt.Help(getoptions.HelpOptionList)
}

// Parse resolves args, without the program name, into a Command. Command
// line problems are returned as *UsageError; a config file that cannot be
// loaded is returned as a plain error.
func Parse(args []string) (*Command, error) {
	var f flags
	opt := newParser(&f)

	remaining, err := opt.Parse(args)
	if err != nil {
		return nil, &UsageError{Usage: usage(opt), Err: err}
	}
	if f.help || f.version {
		return &Command{Help: f.help, Version: f.version, Usage: usage(opt)}, nil
	}
	if len(remaining) != 3 {
		return nil, &UsageError{Usage: usage(opt), Err: ErrArgCount}
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	if opt.Called("port") {
		cfg.SMTP.Port = f.port
	}
	if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
		return nil, &UsageError{Usage: usage(opt), Err: fmt.Errorf("invalid port %d", cfg.SMTP.Port)}
	}
	if opt.Called("timeout") {
		d, err := time.ParseDuration(f.timeout)
		if err != nil || d < 0 {
			return nil, &UsageError{Usage: usage(opt), Err: fmt.Errorf("invalid timeout %q", f.timeout)}
		}
		cfg.SMTP.Timeout = d
	}
	if opt.Called("usetls") {
		cfg.SMTP.UseTLS = f.useTLS
	}
	if opt.Called("usessl") {
		cfg.SMTP.UseSSL = f.useSSL
	}
	if opt.Called("username") {
		cfg.SMTP.Username = f.username
	}
	if opt.Called("password") {
		cfg.SMTP.Password = f.password
	}
	if opt.Called("helo") {
		cfg.SMTP.Helo = f.helo
	}
	if opt.Called("verify-cert") {
		cfg.SMTP.VerifyCert = f.verifyCert
	}
	if opt.Called("oauth2-tenant") {
		cfg.OAuth2.TenantID = f.tenant
	}
	if opt.Called("oauth2-client-id") {
		cfg.OAuth2.ClientID = f.clientID
	}
	if opt.Called("oauth2-client-secret") {
		cfg.OAuth2.ClientSecret = f.clientSecret
	}
	if opt.Called("ses-region") {
		cfg.SES.Region = f.sesRegion
	}
	if opt.Called("ses-check-identity") {
		cfg.SES.CheckIdentity = f.sesCheckIdentity
	}

	return &Command{
		Options: probe.Options{
			From:       remaining[0],
			To:         remaining[1],
			Server:     remaining[2],
			Port:       cfg.SMTP.Port,
			UseTLS:     cfg.SMTP.UseTLS,
			UseSSL:     cfg.SMTP.UseSSL,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			Quick:      f.quick,
			Verbose:    f.verbose,
			DebugLevel: f.debugLevel,
			Helo:       cfg.SMTP.Helo,
			VerifyCert: cfg.SMTP.VerifyCert,
			Timeout:    cfg.SMTP.Timeout,
		},
		Config:      cfg,
		AskPassword: f.askPassword,
		Usage:       usage(opt),
	}, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("SMTPTEST_CONFIG")
	}
	if path == "" {
		return config.Load()
	}
	return config.LoadFromFile(path)
}

// ReadPassword prompts on w and reads a password from the terminal on fd
// without echo.
func ReadPassword(w io.Writer, fd int) (string, error) {
	if !term.IsTerminal(fd) {
		return "", errors.New("password prompt needs a terminal")
	}
	fmt.Fprint(w, "Password: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pass), nil
}
