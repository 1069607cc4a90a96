// Package server exposes the read-only HTTP surface of agentpulse: the active pull
// schedule with its live jobs, and health.
package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// Introspector reports the active schedule set and its jobs
type Introspector interface {
	Introspect() schedule.Introspection
}

// Options wires a Server
type Options struct {
	// Registry is nil when the scheduler is not running in this process; the rules
	// are then loaded from Schedule without jobs.
	Registry Introspector
	Schedule am.ScheduleConfig
	DB       *sql.DB
	// CatalogState reports the catalog circuit breaker, nil when no catalog is configured
	CatalogState func() string
}

// Server serves the introspection API
type Server struct {
	registry     Introspector
	scheduleCfg  am.ScheduleConfig
	db           *sql.DB
	catalogState func() string
	logger       *zap.SugaredLogger

	mux        *http.ServeMux
	httpServer *http.Server
	state      atomic.Int32
}

// New creates a server with its routes registered
func New(opts Options, log *zap.SugaredLogger) *Server {
	s := &Server{
		registry:     opts.Registry,
		scheduleCfg:  opts.Schedule,
		db:           opts.DB,
		catalogState: opts.CatalogState,
		logger:       logger.OrGlobal(log),
		mux:          http.NewServeMux(),
	}
	s.setupHTTPRoutes()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: ReadHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", logger.FieldState, state.String())
}

// Serve accepts connections on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.setState(ServerStateRunning)
	s.logger.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// ListenAndServe listens on addr and serves
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithHint(errors.Wrapf(err, "failed to listen on %s", addr),
			"change server.port in am.toml or set AGENTPULSE_SERVER_PORT")
	}
	return s.Serve(ln)
}

// Shutdown drains in-flight requests, waiting at most ShutdownTimeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.setState(ServerStateDraining)

	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	s.setState(ServerStateStopped)
	if err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	return nil
}
