package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/textproto"
	"time"

	gomaillog "github.com/wneessen/go-mail/log"
	"github.com/wneessen/go-mail/smtp"

	"github.com/shineum/smtptest-lite/internal/message"
	"github.com/shineum/smtptest-lite/internal/report"
	smtptls "github.com/shineum/smtptest-lite/internal/tls"
)

type outcome int

const (
	proceed outcome = iota
	finished
)

type step struct {
	name string
	run  func(ctx context.Context) (outcome, error)
}

// Probe runs the SMTP session for one set of Options.
type Probe struct {
	opts   Options
	msg    string
	rep    *report.Reporter
	client *smtp.Client
}

// New creates a Probe that will send msg if the run gets that far.
func New(opts Options, msg string, rep *report.Reporter) *Probe {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Helo == "" {
		opts.Helo = DefaultHelo
	}
	return &Probe{
		opts: opts,
		msg:  msg,
		rep:  rep,
	}
}

// Message returns the message as it stands, including any annotation added
// by a failed quick verification.
func (p *Probe) Message() string {
	return p.msg
}

// Run executes the steps in order and stops at the first failure. A nil
// return means the server accepted the probe.
func (p *Probe) Run(ctx context.Context) error {
	if p.opts.Verbose {
		Describe(p.rep, p.opts, p.msg)
	}

	defer func() {
		if p.client != nil {
			p.client.Close()
		}
	}()

	for _, s := range p.steps() {
		slog.Debug("probe step", "step", s.name, "addr", p.opts.Addr())
		out, err := s.run(ctx)
		if err != nil {
			return err
		}
		if out == finished {
			return nil
		}
	}
	return nil
}

// Describe prints the options, any extra fields and the message on the
// reporter's stdout. The password is masked.
func Describe(rep *report.Reporter, opts Options, msg string, extra ...report.Field) {
	rep.Fields(append(opts.Fields(), extra...))
	rep.MessageBody(msg)
}

func (p *Probe) steps() []step {
	return []step{
		{name: "connect", run: p.connect},
		{name: "hello", run: p.hello},
		{name: "starttls", run: p.startTLS},
		{name: "auth", run: p.authenticate},
		{name: "verify", run: p.verify},
		{name: "send", run: p.send},
		{name: "quit", run: p.quit},
	}
}

func (p *Probe) fail(kind Kind, err error) (outcome, error) {
	return proceed, &Error{Kind: kind, Addr: p.opts.Addr(), Err: err}
}

func (p *Probe) connect(ctx context.Context) (outcome, error) {
	addr := p.opts.Addr()

	conn, err := p.dial(ctx, addr)
	if err != nil {
		p.rep.Errorf("can not connect to %s: %v", addr, err)
		return p.fail(KindConnect, err)
	}
	if p.opts.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(p.opts.Timeout)); err != nil {
			conn.Close()
			p.rep.Errorf("can not connect to %s: %v", addr, err)
			return p.fail(KindConnect, err)
		}
	}

	client, err := smtp.NewClient(conn, p.opts.Server)
	if err != nil {
		conn.Close()
		p.rep.Errorf("can not connect to %s: %v", addr, err)
		return p.fail(KindConnect, err)
	}
	p.client = client
	p.enableTrace()

	return proceed, nil
}

func (p *Probe) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.opts.Timeout}
	if !p.opts.UseSSL {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config:    smtptls.ClientConfig(p.opts.Server, p.opts.VerifyCert),
	}
	return tlsDialer.DialContext(ctx, "tcp", addr)
}

// enableTrace turns on the protocol trace on stderr. Level 1 writes plain
// lines, level 2 and above structured lines with timestamps.
func (p *Probe) enableTrace() {
	if p.opts.DebugLevel < 1 {
		return
	}
	var logger gomaillog.Logger = gomaillog.New(p.rep.Stderr(), gomaillog.LevelDebug)
	if p.opts.DebugLevel >= 2 {
		logger = gomaillog.NewJSON(p.rep.Stderr(), gomaillog.LevelDebug)
	}
	p.client.SetLogger(logger)
	p.client.SetDebugLog(true)
}

func (p *Probe) hello(_ context.Context) (outcome, error) {
	if err := p.client.Hello(p.opts.Helo); err != nil {
		p.rep.Errorf("EHLO rejected by %s: %v", p.opts.Addr(), err)
		return p.fail(KindConnect, err)
	}
	return proceed, nil
}

// startTLS upgrades the connection when TLS was requested. Once TLS is asked
// for, the probe never continues in plaintext.
func (p *Probe) startTLS(_ context.Context) (outcome, error) {
	if !p.opts.UseTLS {
		return proceed, nil
	}

	var err error
	if ok, _ := p.client.Extension("STARTTLS"); !ok {
		err = errors.New("STARTTLS not advertised")
	} else {
		err = p.client.StartTLS(smtptls.ClientConfig(p.opts.Server, p.opts.VerifyCert))
	}
	if err != nil {
		p.closeSession()
		p.rep.Warnf("Server not secure %s: %v", p.opts.Addr(), err)
		return p.fail(KindInsecure, err)
	}
	return proceed, nil
}

func (p *Probe) authenticate(ctx context.Context) (outcome, error) {
	if p.opts.Username == "" && p.opts.TokenSource == nil {
		return proceed, nil
	}

	var auth smtp.Auth
	var err error
	if p.opts.Username == "" {
		err = errNoUsername
	} else {
		auth, err = p.saslAuth(ctx)
	}
	if err == nil {
		err = p.client.Auth(auth)
	}
	if err != nil {
		p.closeSession()
		p.rep.Errorf("authentication failed %s: %v", p.opts.Addr(), err)
		return p.fail(KindAuth, err)
	}
	return proceed, nil
}

// verify runs the quick VRFY check. A 250 reply ends the run successfully
// without sending; anything else falls back to a real send.
func (p *Probe) verify(_ context.Context) (outcome, error) {
	if !p.opts.Quick {
		return proceed, nil
	}

	err := p.client.Verify(EnvelopeAddress(p.opts.To))
	if err == nil {
		p.closeSession()
		return finished, nil
	}

	text := "failed"
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Msg != "" {
		text = protoErr.Msg
	}
	p.rep.Warnf("VRFY %s %s", text, p.opts.Addr())
	p.msg = message.AnnotateVerifyFailure(p.msg)
	p.rep.Infof("No quick, continue using mail...")
	return proceed, nil
}

func (p *Probe) send(_ context.Context) (outcome, error) {
	if err := p.sendMail(); err != nil {
		p.closeSession()
		p.rep.Errorf("sending message %s: %v", p.opts.Addr(), err)
		return p.fail(KindSend, err)
	}
	return proceed, nil
}

func (p *Probe) sendMail() error {
	if err := p.client.Mail(EnvelopeAddress(p.opts.From)); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := p.client.Rcpt(EnvelopeAddress(p.opts.To)); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := p.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write([]byte(p.msg)); err != nil {
		w.Close()
		return fmt.Errorf("DATA: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	return nil
}

func (p *Probe) quit(_ context.Context) (outcome, error) {
	p.closeSession()
	return proceed, nil
}

// closeSession sends QUIT and drops the connection. A failing QUIT does not
// change the outcome of the run.
func (p *Probe) closeSession() {
	if p.client == nil {
		return
	}
	if err := p.client.Quit(); err != nil {
		slog.Debug("QUIT failed", "addr", p.opts.Addr(), "error", err)
		p.client.Close()
	}
	p.client = nil
}

// EnvelopeAddress strips a display name, turning "Bob <bob@example.com>"
// into "bob@example.com". Unparsable input is used as given.
func EnvelopeAddress(s string) string {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return s
	}
	return addr.Address
}
