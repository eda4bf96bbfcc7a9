package smtpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"
)

// Session states.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 30 * time.Second

const maxMessageSize = 10 * 1024 * 1024

type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	server *Server
	script Script

	tlsActive bool
	authOK    bool

	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, srv *Server) *session {
	_, implicit := conn.(*tls.Conn)
	return &session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		server:    srv,
		script:    srv.config.Script,
		tlsActive: implicit,
	}
}

func (s *session) handle(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	defer s.conn.Close()

	hostname := s.server.config.Hostname
	if code := orDefault(s.script.Banner, 220); code != 220 {
		s.writeLine("%d %s no SMTP service here", code, hostname)
	} else {
		s.writeLine("220 %s ESMTP smtptest scripted server", hostname)
	}

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("smtpd read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if cmd == "AUTH" {
			mech, _, _ := strings.Cut(arg, " ")
			s.server.record(cmd + " " + strings.ToUpper(mech))
		} else {
			s.server.record(cmd)
		}

		if s.handleCommand(cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single command and returns true if the session should end.
func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "VRFY":
		s.handleVRFY(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	hostname := s.server.config.Hostname
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", hostname, arg)
	if s.server.config.TLSConfig != nil && !s.tlsActive && !s.script.HideStartTLS {
		s.writeLine("250-STARTTLS")
	}
	if s.server.auth.Enabled() {
		mechs := s.script.AuthMechanisms
		if len(mechs) == 0 {
			mechs = []string{"PLAIN", "LOGIN"}
		}
		s.writeLine("250-AUTH %s", strings.Join(mechs, " "))
	}
	s.writeLine("250-VRFY")
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS answers with the scripted code and upgrades the connection
// on 220. It returns true when the handshake failed and the session is over.
func (s *session) handleSTARTTLS() bool {
	tlsConfig := s.server.config.TLSConfig
	switch {
	case tlsConfig == nil || s.tlsActive:
		s.writeLine("454 TLS not available")
		return false
	case orDefault(s.script.StartTLS, 220) != 220:
		s.writeLine("%d TLS not available due to temporary reason", s.script.StartTLS)
		return false
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("smtpd TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	return false
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.server.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	mechanism = strings.ToUpper(mechanism)

	var err error
	switch mechanism {
	case "PLAIN":
		var encoded string
		if encoded, err = s.initialResponse(initial); err == nil {
			err = s.server.auth.VerifyPlain(encoded)
		}
	case "LOGIN":
		err = s.authLogin()
	case "CRAM-MD5":
		err = s.authCRAMMD5()
	case "XOAUTH2":
		var encoded string
		if encoded, err = s.initialResponse(initial); err == nil {
			err = s.server.auth.VerifyXOAuth2(encoded)
		}
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		s.writeLine("535 5.7.8 Authentication credentials invalid")
		return
	}
	s.authOK = true
	s.writeLine("235 2.7.0 Authentication successful")
}

// initialResponse returns the inline AUTH argument or reads it after an
// empty 334 challenge.
func (s *session) initialResponse(inline string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	return s.challenge("")
}

func (s *session) authLogin() error {
	user, err := s.challenge("VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.server.auth.VerifyLogin(user, pass)
}

func (s *session) authCRAMMD5() error {
	challenge := fmt.Sprintf("<%d.%d@%s>", s.server.nextChallenge(), time.Now().Unix(), s.server.config.Hostname)
	resp, err := s.challenge(base64.StdEncoding.EncodeToString([]byte(challenge)))
	if err != nil {
		return err
	}
	return s.server.auth.VerifyCRAMMD5(challenge, resp)
}

func (s *session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		return "", fmt.Errorf("authentication cancelled")
	}
	return line, nil
}

func (s *session) handleVRFY(arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: VRFY address")
		return
	}

	code := orDefault(s.script.Vrfy, 252)
	text := s.script.VrfyText
	if s.script.Vrfy == 0 && text == "" {
		text = "Cannot VRFY user, but will accept message and attempt delivery"
	}
	if code == 250 && text == "" {
		text = "<" + extractAddress(arg) + ">"
	}
	s.writeLine("%d %s", code, text)
}

func (s *session) handleMAIL(arg string) {
	if s.server.auth.Enabled() && !s.authOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if code := orDefault(s.script.Mail, 250); code != 250 {
		s.writeLine("%d 5.7.1 Sender rejected", code)
		return
	}

	s.mailFrom = extractAddress(arg[5:])
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if slices.Contains(s.script.RejectRcpt, addr) {
		s.writeLine("550 5.1.1 <%s>: Recipient address rejected: User unknown", addr)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("smtpd error reading DATA", "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	if code := orDefault(s.script.Data, 250); code != 250 {
		s.writeLine("%d 5.6.0 Message rejected", code)
		s.resetTransaction()
		return
	}

	s.server.deliver(Delivery{
		From: s.mailFrom,
		To:   append([]string(nil), s.rcptTo...),
		Data: data.String(),
	})
	s.writeLine("250 OK message queued")
	s.resetTransaction()
}

func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) writeLine(format string, args ...any) {
	if _, err := s.writer.WriteString(fmt.Sprintf(format, args...) + "\r\n"); err != nil {
		slog.Debug("smtpd write failed", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("smtpd flush failed", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress extracts an address from an SMTP parameter, handling both
// angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
