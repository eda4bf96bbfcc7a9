// Package smtpd is a small in-process SMTP server whose replies follow a
// Script. It lets the probe be exercised end to end against servers that
// refuse STARTTLS, reject recipients, answer VRFY and so on, and records
// what the client sent.
package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// shutdownTimeout bounds how long Serve waits for open sessions on shutdown.
const shutdownTimeout = 5 * time.Second

// Script controls the reply codes the server sends. Zero values select the
// well-behaved default for each step.
type Script struct {
	// Banner is the greeting code. Default 220.
	Banner int

	// StartTLS is the reply to STARTTLS. Default 220 when TLS is configured.
	StartTLS int

	// HideStartTLS keeps STARTTLS out of the EHLO capabilities.
	HideStartTLS bool

	// AuthMechanisms advertised in EHLO. Default PLAIN LOGIN.
	AuthMechanisms []string

	// Vrfy is the reply to VRFY and VrfyText its text. Default 252.
	Vrfy     int
	VrfyText string

	// Mail is the reply to MAIL FROM. Default 250.
	Mail int

	// RejectRcpt lists recipients answered with 550.
	RejectRcpt []string

	// Data is the final reply after the message. Default 250.
	Data int
}

// Config holds the configuration for a scripted SMTP server.
type Config struct {
	// ListenAddr is the address to listen on. Default "127.0.0.1:0".
	ListenAddr string

	// Hostname is used in the banner and EHLO responses.
	Hostname string

	// TLSConfig enables STARTTLS, or TLS from the first byte with ImplicitTLS.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// AuthUsername and AuthPassword enable AUTH when both are set.
	AuthUsername string
	AuthPassword string

	Script Script
}

// Delivery is a message accepted by the server.
type Delivery struct {
	From string
	To   []string
	Data string
}

// Server is a scripted SMTP server.
type Server struct {
	config   Config
	auth     *Authenticator
	listener net.Listener

	// wg tracks in-flight session goroutines.
	wg sync.WaitGroup

	mu         sync.Mutex
	commands   []string
	deliveries []Delivery
	challenges int
}

// New creates a Server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// Listen binds the listening socket so that Addr is known before Serve runs.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.ImplicitTLS {
		if s.config.TLSConfig == nil {
			ln.Close()
			return errors.New("smtpd: implicit TLS requires a TLS config")
		}
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is cancelled, then waits for open
// sessions to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("smtpd: Serve called before Listen")
	}
	ln := s.listener

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				slog.Debug("smtpd accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).handle(ctx)
		}()
	}
}

// ListenAndServe combines Listen and Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Start listens and serves in the background until ctx is cancelled.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	s := New(cfg)
	if err := s.Listen(); err != nil {
		return nil, err
	}
	go s.Serve(ctx)
	return s, nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Commands returns the command verbs received so far, in order. AUTH entries
// carry the mechanism, e.g. "AUTH PLAIN".
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Deliveries returns the messages accepted so far.
func (s *Server) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

func (s *Server) record(cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

func (s *Server) deliver(d Delivery) {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
}

// nextChallenge numbers CRAM-MD5 challenges so each one is unique.
func (s *Server) nextChallenge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges++
	return s.challenges
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("smtpd shutdown timeout reached, forcing close")
	}
}
