package probe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/wneessen/go-mail/smtp"
)

// preferredMechanisms are tried in order against the server's AUTH list.
var preferredMechanisms = []string{"CRAM-MD5", "PLAIN", "LOGIN"}

var errAuthNotSupported = errors.New("AUTH not advertised by server")

var errNoUsername = errors.New("XOAUTH2 needs a username")

// saslAuth picks the authentication mechanism for the session. With a token
// source the probe always uses XOAUTH2; otherwise the first preferred
// mechanism the server advertises.
func (p *Probe) saslAuth(ctx context.Context) (smtp.Auth, error) {
	ok, advertised := p.client.Extension("AUTH")
	if !ok {
		return nil, errAuthNotSupported
	}

	if p.opts.TokenSource != nil {
		token, err := p.opts.TokenSource.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire OAuth2 token: %w", err)
		}
		return smtp.XOAuth2Auth(p.opts.Username, token), nil
	}

	mech := selectMechanism(advertised)
	switch mech {
	case "CRAM-MD5":
		return smtp.CRAMMD5Auth(p.opts.Username, p.opts.Password), nil
	case "PLAIN":
		return smtp.PlainAuth("", p.opts.Username, p.opts.Password, p.opts.Server, true), nil
	case "LOGIN":
		return smtp.LoginAuth(p.opts.Username, p.opts.Password, p.opts.Server, true), nil
	default:
		return nil, fmt.Errorf("no supported authentication mechanism in %q", advertised)
	}
}

// selectMechanism returns the first preferred mechanism present in the
// space separated advertised list, or "" if none is.
func selectMechanism(advertised string) string {
	mechs := strings.Fields(strings.ToUpper(advertised))
	for _, m := range preferredMechanisms {
		if slices.Contains(mechs, m) {
			return m
		}
	}
	return ""
}
