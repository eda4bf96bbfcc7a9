package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/shineum/smtptest-lite/internal/report"
)

// DefaultPort is the SMTP port used when none is given.
const DefaultPort = 25

// DefaultHelo is the name announced in EHLO.
const DefaultHelo = "localhost"

// TokenSource supplies OAuth2 bearer tokens for AUTH XOAUTH2.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options are the parameters of one probe run. They are built once from the
// command line and passed by value.
type Options struct {
	From   string
	To     string
	Server string
	Port   int

	UseTLS bool
	UseSSL bool

	Username string
	Password string

	Quick      bool
	Verbose    bool
	DebugLevel int

	Helo       string
	VerifyCert bool
	// Timeout bounds the dial and the whole session. Zero means no limit.
	Timeout time.Duration

	// TokenSource switches authentication to XOAUTH2 when set.
	TokenSource TokenSource
}

// Addr returns server:port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Server, strconv.Itoa(o.Port))
}

// Fields lists the options for the verbose dump. The password is masked.
func (o Options) Fields() []report.Field {
	auth := "plain"
	if o.TokenSource != nil {
		auth = "xoauth2"
	}
	return []report.Field{
		{Name: "usetls", Value: o.UseTLS},
		{Name: "usessl", Value: o.UseSSL},
		{Name: "from address", Value: o.From},
		{Name: "to address", Value: o.To},
		{Name: "server address", Value: o.Server},
		{Name: "server port", Value: o.Port},
		{Name: "smtp username", Value: o.Username},
		{Name: "smtp password", Value: "*****"},
		{Name: "smtp auth", Value: auth},
		{Name: "quick", Value: o.Quick},
		{Name: "smtplib debuglevel", Value: o.DebugLevel},
		{Name: "helo", Value: o.Helo},
		{Name: "verify cert", Value: o.VerifyCert},
		{Name: "timeout", Value: o.Timeout},
	}
}
