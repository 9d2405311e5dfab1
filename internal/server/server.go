package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/metrics"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/server/middleware"
	"github.com/alanyoungcy/marginbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	AdminKey    string // if empty, admin routes are closed

	// RateLimit caps requests per client per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Markets  *handler.MarketHandler
	Accounts *handler.AccountHandler
	Profits  *handler.ProfitHandler
	Orders   *handler.OrderHandler
}

// Options carries the optional collaborators of the server.
type Options struct {
	Hub     *ws.Hub            // nil disables /ws
	Limiter domain.RateLimiter // nil disables rate limiting
	Metrics *metrics.Metrics   // nil disables /metrics
}

// Server is the HTTP + WebSocket API of the engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in middleware.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, opts, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute, // sagas wait on external calls
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.Admin(cfg.AdminKey)
	adminFunc := func(f http.HandlerFunc) http.Handler { return admin(f) }

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Pairs and market data.
	mux.HandleFunc("GET /api/pairs", handlers.Markets.ListPairs)
	mux.HandleFunc("GET /api/pairs/{id}", handlers.Markets.GetPair)
	mux.Handle("POST /api/admin/pairs", adminFunc(handlers.Markets.AddPair))
	mux.Handle("DELETE /api/admin/pairs/{id}", adminFunc(handlers.Markets.RemovePair))
	mux.Handle("POST /api/oracle/prices", adminFunc(handlers.Markets.UpdatePrices))
	mux.Handle("POST /api/admin/markets/{token}/refresh", adminFunc(handlers.Markets.RefreshMarket))

	// Protocol profit.
	mux.Handle("GET /api/admin/profits", adminFunc(handlers.Profits.ListProfits))
	mux.Handle("DELETE /api/admin/profits/{token}", adminFunc(handlers.Profits.ResetProfit))

	// Accounts.
	mux.HandleFunc("POST /api/accounts/{user}/deposit", handlers.Accounts.Deposit)
	mux.HandleFunc("POST /api/accounts/{user}/withdraw", handlers.Accounts.Withdraw)
	mux.HandleFunc("GET /api/accounts/{user}/balances/{token}", handlers.Accounts.Balance)
	mux.HandleFunc("GET /api/accounts/{user}/orders", handlers.Orders.ListByUser)

	// Orders.
	mux.HandleFunc("POST /api/orders", handlers.Orders.CreateOrder)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)
	mux.HandleFunc("POST /api/orders/{id}/cancel", handlers.Orders.CancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/execute", handlers.Orders.ExecuteOrder)
	mux.HandleFunc("POST /api/orders/{id}/liquidate", handlers.Orders.LiquidateOrder)

	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	var h http.Handler = mux
	h = middleware.Identity(h)
	if opts.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(opts.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger, opts.Metrics)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
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
