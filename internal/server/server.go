// Package server exposes the position manager and the operation journal
// over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abbaskiko/mcdkit/internal/crypto"
	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/server/handler"
	"github.com/abbaskiko/mcdkit/internal/server/middleware"
	"github.com/abbaskiko/mcdkit/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string              // if empty, authentication is disabled
	Signer      *crypto.RequestAuth // if nil, mutating requests are not signed
	Limiter     domain.RateLimiter  // if nil, requests are not rate limited
	RateLimit   int
	RateWindow  time.Duration
	// IdempotencyTTL is how long POST responses are replayed. Defaults to 10m.
	IdempotencyTTL time.Duration
	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Cdps       *handler.CdpHandler
	Operations *handler.OperationHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	replays    *middleware.Replays
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, auth, signing, rate limiting,
// idempotency) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	replays := middleware.NewReplays(ttl)

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           newHandler(cfg, handlers, wsHub, replays, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Waiting requests (?wait=true) block until the operation mines.
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		replays: replays,
		logger:  logger.With(slog.String("component", "server")),
	}
}

func newHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, replays *middleware.Replays, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/proxy", handlers.Cdps.CurrentProxy)
	mux.HandleFunc("GET /api/proxies/{addr}/cdps", handlers.Cdps.ListCdps)
	mux.HandleFunc("GET /api/proxies/{addr}/debt", handlers.Cdps.CombinedDebt)
	mux.HandleFunc("GET /api/proxies/{addr}/events", handlers.Cdps.History)
	mux.HandleFunc("GET /api/cdps/{id}", handlers.Cdps.GetCdp)
	mux.HandleFunc("POST /api/cdps", handlers.Cdps.OpenCdp)
	mux.HandleFunc("POST /api/cdps/{id}/free", handlers.Cdps.FreeCollateral)
	mux.HandleFunc("POST /api/reset", handlers.Cdps.Reset)

	mux.HandleFunc("GET /api/operations", handlers.Operations.ListOperations)
	mux.HandleFunc("GET /api/operations/{id}", handlers.Operations.GetOperation)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Innermost first: idempotency sees only authenticated, signed requests.
	var h http.Handler = mux
	h = middleware.Idempotency(replays)(h)
	h = middleware.Signed(cfg.Signer)(h)
	h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.replays.Cleanup()
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errCh
		}
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
