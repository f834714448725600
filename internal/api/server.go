package api

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"git.home.luguber.info/inful/eventpipe/internal/config"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// Server represents the API server.
type Server struct {
	Addr     string
	maxConns int
	shutdown time.Duration
	server   *http.Server
}

// NewServer wraps handler in an http.Server configured from cfg.
func NewServer(cfg config.HTTPConfig, handler http.Handler) *Server {
	return &Server{
		Addr:     cfg.Addr,
		maxConns: cfg.MaxConns,
		shutdown: cfg.ShutdownTimeout,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Listen opens the listener, capped at MaxConns concurrent connections when set.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to listen").
			WithContext("addr", s.Addr).Build()
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()
	slog.Info("API server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WrapError(err, errors.CategoryNetwork, "API server failed").Build()
	case <-ctx.Done():
	}

	timeout := s.shutdown
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return errors.WrapError(err, errors.CategoryRuntime, "API server shutdown failed").Build()
	}
	slog.Info("API server stopped")
	return nil
}

// Run listens on Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
