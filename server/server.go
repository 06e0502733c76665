// Package server exposes the scheduling API over HTTP.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/groupcast/gateway"
	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/pulse/schedule"
)

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// GatewayHealth reports the messaging gateway's status. *gateway.Client implements it.
type GatewayHealth interface {
	Health(ctx context.Context) (*gateway.Health, error)
}

// Server serves the job API, health and metrics.
type Server struct {
	svc      *schedule.Service
	gateway  GatewayHealth
	ping     func(ctx context.Context) error
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger

	httpServer *http.Server
	state      atomic.Int32
}

// Option configures a Server.
type Option func(*Server)

// WithGateway lets /healthz report gateway status.
func WithGateway(gw GatewayHealth) Option {
	return func(s *Server) { s.gateway = gw }
}

// WithStorePing lets /healthz check the database.
func WithStorePing(ping func(ctx context.Context) error) Option {
	return func(s *Server) { s.ping = ping }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the server logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a server over svc.
func New(svc *schedule.Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", logger.FieldState, newState.String())
}

// Start listens on addr and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.setState(ServerStateRunning)
	s.logger.Infow("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.setState(ServerStateDraining)
	err := s.httpServer.Shutdown(ctx)
	s.setState(ServerStateStopped)
	return err
}
