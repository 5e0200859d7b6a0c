// Package server assembles the HTTP API: routes, middleware chain, and the
// WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quantfield/signalledger/internal/domain"
	"github.com/quantfield/signalledger/internal/server/handler"
	"github.com/quantfield/signalledger/internal/server/middleware"
	"github.com/quantfield/signalledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	AuthDisabled bool // skip signature verification, trust the address header

	// RateLimit is requests per RateWindow per caller; zero disables the
	// rate-limit middleware.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Registry *handler.RegistryHandler
	Pools    *handler.PoolHandler
	Archive  *handler.ArchiveHandler
	Custody  *handler.CustodyHandler
}

// Server is the HTTP + WebSocket API server for the ledger.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (CORS, logging, signature auth, rate limit) wired.
// limiter may be nil when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Registry endpoints.
	mux.HandleFunc("POST /api/registry", handlers.Registry.Initialize)
	mux.HandleFunc("GET /api/registry", handlers.Registry.Get)
	mux.HandleFunc("PUT /api/registry/authority", handlers.Registry.SetAuthority)
	mux.HandleFunc("PUT /api/registry/config", handlers.Registry.SetConfig)

	// Pool endpoints.
	mux.HandleFunc("POST /api/pools", handlers.Pools.CreatePool)
	mux.HandleFunc("GET /api/pools", handlers.Pools.ListPools)
	mux.HandleFunc("GET /api/pools/{signal}", handlers.Pools.GetPool)
	mux.HandleFunc("POST /api/pools/{signal}/contributions", handlers.Pools.Contribute)
	mux.HandleFunc("GET /api/pools/{signal}/contributions", handlers.Pools.ListContributions)
	mux.HandleFunc("POST /api/pools/{signal}/close", handlers.Pools.Close)
	mux.HandleFunc("GET /api/pools/{signal}/vault", handlers.Pools.Vault)

	// Archive endpoints.
	mux.HandleFunc("POST /api/archive", handlers.Archive.Initialize)
	mux.HandleFunc("GET /api/archive", handlers.Archive.Get)
	mux.HandleFunc("PUT /api/archive/authority", handlers.Archive.SetAuthority)

	// Prediction endpoints.
	mux.HandleFunc("POST /api/predictions", handlers.Archive.LogPrediction)
	mux.HandleFunc("GET /api/predictions", handlers.Archive.ListPredictions)
	mux.HandleFunc("GET /api/predictions/{id}", handlers.Archive.GetPrediction)
	mux.HandleFunc("PUT /api/predictions/{id}/stats", handlers.Archive.UpdateStats)
	mux.HandleFunc("POST /api/predictions/{id}/resolve", handlers.Archive.Resolve)

	// Custody endpoints.
	mux.HandleFunc("POST /api/custody/accounts", handlers.Custody.OpenAccount)
	mux.HandleFunc("GET /api/custody/accounts/{id}", handlers.Custody.GetAccount)
	mux.HandleFunc("POST /api/custody/credit", handlers.Custody.Credit)
	mux.HandleFunc("POST /api/custody/transfer", handlers.Custody.Transfer)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain. Rate limiting runs after auth so callers
	// are keyed by recovered address rather than IP where possible.
	var h http.Handler = mux

	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	h = middleware.SignatureAuth(cfg.AuthDisabled)(h)
	h = middleware.Logging(logger)(h)
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.HeaderAddress+", "+middleware.HeaderTimestamp+", "+middleware.HeaderSignature)
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
