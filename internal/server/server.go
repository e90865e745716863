// Package server is the HTTP and WebSocket API: the two user commands, the
// position read model and operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/server/handler"
	"github.com/alanyoungcy/loopvault/internal/server/middleware"
	"github.com/alanyoungcy/loopvault/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards the command routes. Empty disables authentication.
	APIKey string
	// RateLimit is the number of commands per client per RateWindow. Zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers groups the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Archives  *handler.ArchiveHandler
}

// Server wraps the http.Server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and wraps them in CORS, logging, auth and
// rate limiting, outermost first.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, h, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger.With(slog.String("component", "server"))}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Status != nil {
		mux.HandleFunc("GET /api/status", h.Status.GetStatus)
		mux.HandleFunc("GET /api/trackers", h.Status.ListTrackers)
		mux.HandleFunc("GET /api/trackers/{user}", h.Status.GetTracker)
	}
	if p := h.Positions; p != nil {
		mux.HandleFunc("GET /api/params", p.GetParams)
		mux.HandleFunc("GET /api/positions", p.ListPositions)
		mux.HandleFunc("GET /api/positions/{user}", p.GetPosition)
		mux.HandleFunc("POST /api/positions/{user}/deposit", p.Deposit)
		mux.HandleFunc("POST /api/positions/{user}/continue", p.Continue)
		mux.HandleFunc("POST /api/positions/{user}/unwind", p.Unwind)
	}
	if h.Archives != nil {
		mux.HandleFunc("GET /api/archives", h.Archives.ListArchives)
		mux.HandleFunc("GET /api/archives/{kind}/{file}", h.Archives.GetArchive)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var out http.Handler = mux
	out = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
	out = middleware.Auth(cfg.APIKey)(out)
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
