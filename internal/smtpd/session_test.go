package smtpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	smtptls "github.com/shineum/smtptest-lite/internal/tls"
)

// startServer runs a scripted server for the duration of the test.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv, err := Start(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	return srv
}

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

// readLine reads a single response line.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readReply reads a possibly multi-line reply and returns its last line.
func readReply(t *testing.T, reader *bufio.Reader) (last string, lines []string) {
	t.Helper()
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return line, lines
		}
	}
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Hostname: "mail.test.com"})
	_, reader := dial(t, srv)

	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "mail.test.com") {
		t.Errorf("greeting should contain hostname, got %q", greeting)
	}
}

func TestSession_ScriptedBanner(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Script: Script{Banner: 554}})
	conn, reader := dial(t, srv)

	if greeting := readLine(t, reader); !strings.HasPrefix(greeting, "554 ") {
		t.Errorf("greeting: got %q, want prefix '554 '", greeting)
	}

	sendCmd(t, conn, "QUIT")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT response: got %q, want prefix '221 '", resp)
	}
}

func TestSession_EHLOCapabilities(t *testing.T) {
	t.Parallel()

	tlsConfig, err := smtptls.SelfSignedServerConfig()
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	srv := startServer(t, Config{
		TLSConfig:    tlsConfig,
		AuthUsername: "user",
		AuthPassword: "pass",
	})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	sendCmd(t, conn, "EHLO client.test.com")
	_, lines := readReply(t, reader)
	joined := strings.Join(lines, "\n")

	for _, want := range []string{"STARTTLS", "AUTH PLAIN LOGIN", "SIZE"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO response missing %s: %q", want, joined)
		}
	}
}

func TestSession_HideStartTLS(t *testing.T) {
	t.Parallel()

	tlsConfig, err := smtptls.SelfSignedServerConfig()
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	srv := startServer(t, Config{TLSConfig: tlsConfig, Script: Script{HideStartTLS: true}})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	sendCmd(t, conn, "EHLO client.test.com")
	_, lines := readReply(t, reader)
	if strings.Contains(strings.Join(lines, "\n"), "STARTTLS") {
		t.Errorf("STARTTLS advertised although hidden: %v", lines)
	}
}

func TestSession_StartTLSRefused(t *testing.T) {
	t.Parallel()

	tlsConfig, err := smtptls.SelfSignedServerConfig()
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	srv := startServer(t, Config{TLSConfig: tlsConfig, Script: Script{StartTLS: 454}})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	sendCmd(t, conn, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, conn, "STARTTLS")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "454 ") {
		t.Errorf("STARTTLS response: got %q, want prefix '454 '", resp)
	}
}

func TestSession_StartTLSUpgrade(t *testing.T) {
	t.Parallel()

	tlsConfig, err := smtptls.SelfSignedServerConfig()
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	srv := startServer(t, Config{TLSConfig: tlsConfig})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	sendCmd(t, conn, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, conn, "STARTTLS")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "220 ") {
		t.Fatalf("STARTTLS response: got %q, want prefix '220 '", resp)
	}

	tlsConn := tls.Client(conn, smtptls.ClientConfig("localhost", false))
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	tlsReader := bufio.NewReader(tlsConn)

	sendCmd(t, tlsConn, "EHLO client.test.com")
	_, lines := readReply(t, tlsReader)
	if strings.Contains(strings.Join(lines, "\n"), "STARTTLS") {
		t.Errorf("STARTTLS advertised after upgrade: %v", lines)
	}
}

func TestSession_AuthPlainAndLogin(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{AuthUsername: "user", AuthPassword: "pass"})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	sendCmd(t, conn, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, conn, "AUTH PLAIN "+b64("\x00user\x00wrong"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "535 ") {
		t.Errorf("AUTH PLAIN wrong: got %q, want prefix '535 '", resp)
	}

	sendCmd(t, conn, "AUTH LOGIN")
	if resp := readLine(t, reader); resp != "334 VXNlcm5hbWU6" {
		t.Fatalf("username challenge: got %q", resp)
	}
	sendCmd(t, conn, b64("user"))
	if resp := readLine(t, reader); resp != "334 UGFzc3dvcmQ6" {
		t.Fatalf("password challenge: got %q", resp)
	}
	sendCmd(t, conn, b64("pass"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "235 ") {
		t.Errorf("AUTH LOGIN: got %q, want prefix '235 '", resp)
	}

	cmds := srv.Commands()
	if len(cmds) < 3 || cmds[1] != "AUTH PLAIN" || cmds[2] != "AUTH LOGIN" {
		t.Errorf("commands: got %v", cmds)
	}
}

func TestSession_AuthCRAMMD5(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{
		AuthUsername: "user",
		AuthPassword: "pass",
		Script:       Script{AuthMechanisms: []string{"CRAM-MD5"}},
	})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	sendCmd(t, conn, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, conn, "AUTH CRAM-MD5")
	resp := readLine(t, reader)
	encoded, ok := strings.CutPrefix(resp, "334 ")
	if !ok {
		t.Fatalf("challenge: got %q, want prefix '334 '", resp)
	}
	challenge, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("challenge is not base64: %v", err)
	}
	if !strings.HasPrefix(string(challenge), "<") || !strings.HasSuffix(string(challenge), "@localhost>") {
		t.Errorf("challenge: got %q", challenge)
	}

	sendCmd(t, conn, cramResponse("user", "pass", string(challenge)))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "235 ") {
		t.Errorf("AUTH CRAM-MD5: got %q, want prefix '235 '", resp)
	}
}

func TestSession_MailRequiresAuth(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{AuthUsername: "user", AuthPassword: "pass"})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	sendCmd(t, conn, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, conn, "MAIL FROM:<a@x.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "530 ") {
		t.Errorf("MAIL without auth: got %q, want prefix '530 '", resp)
	}
}

func TestSession_VRFY(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script Script
		want   string
	}{
		{name: "default cannot verify", script: Script{}, want: "252 Cannot VRFY user"},
		{name: "verified", script: Script{Vrfy: 250}, want: "250 <bob@y.com>"},
		{name: "empty text", script: Script{Vrfy: 550}, want: "550 "},
		{name: "custom text", script: Script{Vrfy: 551, VrfyText: "User not local"}, want: "551 User not local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := startServer(t, Config{Script: tt.script})
			conn, reader := dial(t, srv)
			readLine(t, reader)

			sendCmd(t, conn, "EHLO client.test.com")
			readReply(t, reader)

			sendCmd(t, conn, "VRFY bob@y.com")
			resp, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			resp = strings.TrimSuffix(resp, "\r\n")
			if !strings.HasPrefix(resp, tt.want) {
				t.Errorf("VRFY: got %q, want prefix %q", resp, tt.want)
			}
		})
	}
}

func TestSession_FullTransaction(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Script: Script{RejectRcpt: []string{"nobody@y.com"}}})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	steps := []struct {
		cmd  string
		want string
	}{
		{cmd: "EHLO client.test.com", want: "250 "},
		{cmd: "MAIL FROM:<alice@x.com>", want: "250 "},
		{cmd: "RCPT TO:<nobody@y.com>", want: "550 "},
		{cmd: "RCPT TO:<bob@y.com>", want: "250 "},
		{cmd: "DATA", want: "354 "},
	}
	for _, step := range steps {
		sendCmd(t, conn, step.cmd)
		last, _ := readReply(t, reader)
		if !strings.HasPrefix(last, step.want) {
			t.Fatalf("%s: got %q, want prefix %q", step.cmd, last, step.want)
		}
	}

	sendCmd(t, conn, "Subject: hi\r\n\r\n..leading dot\r\n.")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("end of data: got %q", resp)
	}

	sendCmd(t, conn, "QUIT")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT response: got %q, want prefix '221 '", resp)
	}

	deliveries := srv.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("deliveries: got %d, want 1", len(deliveries))
	}
	d := deliveries[0]
	if d.From != "alice@x.com" {
		t.Errorf("From: got %q", d.From)
	}
	if len(d.To) != 1 || d.To[0] != "bob@y.com" {
		t.Errorf("To: got %v", d.To)
	}
	if !strings.Contains(d.Data, "\r\n.leading dot\r\n") {
		t.Errorf("Data not dot-unstuffed: %q", d.Data)
	}

	want := []string{"EHLO", "MAIL", "RCPT", "RCPT", "DATA", "QUIT"}
	if got := srv.Commands(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("commands: got %v, want %v", got, want)
	}
}

func TestServer_ImplicitTLS(t *testing.T) {
	t.Parallel()

	tlsConfig, err := smtptls.SelfSignedServerConfig()
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	srv := startServer(t, Config{TLSConfig: tlsConfig, ImplicitTLS: true})

	conn, err := tls.Dial("tcp", srv.Addr(), smtptls.ClientConfig("localhost", false))
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()

	if greeting := readLine(t, bufio.NewReader(conn)); !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting over TLS: got %q", greeting)
	}
}

func TestServer_ImplicitTLSRequiresConfig(t *testing.T) {
	t.Parallel()

	srv := New(Config{ImplicitTLS: true})
	if err := srv.Listen(); err == nil {
		t.Error("expected error for implicit TLS without config")
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		wantCmd string
		wantArg string
	}{
		{line: "ehlo host", wantCmd: "EHLO", wantArg: "host"},
		{line: "QUIT", wantCmd: "QUIT", wantArg: ""},
		{line: "MAIL FROM:<a@b.c> SIZE=10", wantCmd: "MAIL", wantArg: "FROM:<a@b.c> SIZE=10"},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.line)
		if cmd != tt.wantCmd || arg != tt.wantArg {
			t.Errorf("parseCommand(%q) = %q, %q; want %q, %q", tt.line, cmd, arg, tt.wantCmd, tt.wantArg)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"<bob@y.com>":          "bob@y.com",
		" <bob@y.com> SIZE=10": "bob@y.com",
		"bob@y.com":            "bob@y.com",
		"bob@y.com SIZE=10":    "bob@y.com",
		"<broken":              "",
	}
	for in, want := range tests {
		if got := extractAddress(in); got != want {
			t.Errorf("extractAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
