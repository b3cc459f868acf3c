// Package server owns the listener lifecycle: bind (fixed or OS-assigned
// port), optional TLS, serve, and graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

var log = logging.L("server")

// Options configure the HTTP listener.
type Options struct {
	Handler    http.Handler
	Port       int
	PortAuto   bool
	TLSEnabled bool
	TLSCert    string
	TLSKey     string
}

// Server wraps an http.Server plus its bound listener so the chosen port is
// known before Serve blocks.
type Server struct {
	opts Options
	srv  *http.Server
	ln   net.Listener
}

func New(opts Options) *Server {
	return &Server{
		opts: opts,
		srv: &http.Server{
			Handler: opts.Handler,
			// Streaming responses (MJPEG, TS) run for hours; only the
			// header read gets a deadline.
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Bind opens the TCP listener and, when TLS is enabled, loads the key pair.
// With PortAuto the OS assigns a free port; Port reports the result. Errors
// here are fatal startup errors for the caller.
func (s *Server) Bind() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	if s.opts.PortAuto {
		addr = ":0"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	if s.opts.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.opts.TLSCert, s.opts.TLSKey)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	s.ln = ln
	log.Info("listening", "addr", ln.Addr().String(), "tls", s.opts.TLSEnabled)
	return nil
}

// Port returns the bound TCP port. Valid after Bind.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Serve blocks until Shutdown. A normal shutdown returns nil.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("server: Serve before Bind")
	}
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx. Long-lived streams are cut when the deadline passes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if err != nil {
		// Streams rarely end within the grace period; force the rest.
		s.srv.Close()
	}
	return err
}
