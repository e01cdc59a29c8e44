package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/governor/internal/config"
)

// ShutdownTimeout bounds the graceful drain once Run's context ends.
const ShutdownTimeout = 5 * time.Second

// Server serves the diagnostics router on the configured listener.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server

	ready chan struct{}
	mu    sync.Mutex
	addr  net.Addr
	stop  sync.Once
}

// New binds the diagnostics handler to the configured listener address. The
// socket is not opened until Run.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger.With(slog.String("component", "server")),
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		ready: make(chan struct{}),
	}, nil
}

// Ready is closed once Run has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr reports the bound address, or nil before Ready. With port 0 in config
// this is where the kernel-chosen port shows up.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens, serves until ctx ends and then drains for up to
// ShutdownTimeout. A bind failure is returned before anything is served.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("diagnostics listener ready", slog.String("address", ln.Addr().String()))

	served := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		if err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.shutdown(drainCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *Server) shutdown(ctx context.Context) error {
	var err error
	s.stop.Do(func() {
		s.logger.Info("diagnostics listener draining")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}
