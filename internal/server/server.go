// Package server provides the HTTP front end: the SSE stream-pairing
// transport, the direct synchronous call endpoint, tool listing, and health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/opmanager-mcp/internal/bridge"
	"github.com/bobmcallan/opmanager-mcp/internal/common"
	"github.com/bobmcallan/opmanager-mcp/internal/config"
)

// Server manages the HTTP server and routes.
type Server struct {
	cfg    *config.Config
	bridge *bridge.Bridge
	hub    *sseHub
	router *http.ServeMux
	server *http.Server
	logger *common.Logger
}

// New creates the HTTP server over the shared bridge. The hub owns session
// state: each GET /sse opens an isolated session whose responses arrive on
// its own stream, in submission order.
func New(cfg *config.Config, b *bridge.Bridge, logger *common.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		bridge: b,
		logger: logger,
	}

	s.hub = newSSEHub(b.MCPServer(), logger)

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.withMiddleware(s.router),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams stay open for the client's lifetime.
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.server.Addr).
		Int("tools", s.bridge.Registry().Len()).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server. Open SSE sessions are closed
// first; their pending responses are discarded, never written after closure.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	s.hub.closeAll()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
