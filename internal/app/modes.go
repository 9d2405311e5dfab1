package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marginbot/internal/config"
	"github.com/alanyoungcy/marginbot/internal/executor"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/saga"
	"github.com/alanyoungcy/marginbot/internal/server"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/server/ws"
	"github.com/alanyoungcy/marginbot/internal/service"
)

// shutdownTimeout bounds how long HTTP listeners wait for in-flight requests.
const shutdownTimeout = 10 * time.Second

// engine groups the executor and the services built on top of it.
type engine struct {
	exec     *executor.Executor
	orders   *service.OrderService
	markets  *service.MarketService
	accounts *service.AccountService
	profits  *service.ProfitService
}

// sagaConfig converts the engine section into saga parameters.
func sagaConfig(e config.EngineConfig) (saga.Config, error) {
	reward, err := e.RewardAmount()
	if err != nil {
		return saga.Config{}, fmt.Errorf("engine.reward_per_call: %w", err)
	}
	return saga.Config{
		MaxLeverage:          e.MaxLeverage,
		Slippage:             e.Slippage,
		ProtocolFee:          e.ProtocolFee,
		SwapFee:              e.SwapFee,
		PriceImpact:          e.PriceImpact,
		LiquidationThreshold: e.LiquidationThreshold,
		LiquidationIncentive: e.LiquidationIncentive,
		CompensateBorrow:     e.CompensateBorrow,
		RewardToken:          e.RewardToken,
		RewardPerCall:        *reward,
		TreasuryAccount:      e.TreasuryAccount,
	}, nil
}

// buildEngine assembles the saga executor and the services the HTTP API
// exposes. The executor only advances sagas once Run is called; until then
// order operations fail with domain.ErrUnavailable.
func (a *App) buildEngine(deps *Dependencies) (*engine, error) {
	sc, err := sagaConfig(a.cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	blocks := saga.ClockBlocks{
		Genesis:  a.cfg.Engine.BlockGenesis,
		Interval: a.cfg.Engine.BlockInterval.Duration,
	}

	led := ledger.New(deps.Balances, a.logger)
	env := &saga.Env{
		Orders:      deps.Orders,
		Ledger:      led,
		Pairs:       deps.Pairs,
		Prices:      deps.Prices,
		Markets:     deps.Markets,
		Checkpoints: deps.Checkpoints,
		AMM:         deps.AMM,
		Lending:     deps.Lending,
		Blocks:      blocks,
		Config:      sc,
		Logger:      a.logger,
	}

	exec := executor.New(env, deps.Settlement, executor.Options{
		CallTimeout:   a.cfg.Engine.CallTimeout.Duration,
		InFlightTTL:   a.cfg.Engine.InFlightTTL.Duration,
		LockTTL:       a.cfg.Engine.LockTTL.Duration,
		SweepInterval: a.cfg.Engine.SweepInterval.Duration,
	}, a.logger).
		WithAudit(deps.Audit).
		WithAlerts(deps.Notifier).
		WithMetrics(deps.Metrics)
	if deps.Bus != nil {
		exec.WithSignalBus(deps.Bus)
	}
	if deps.Locks != nil {
		exec.WithLocks(deps.Locks)
	}

	markets := service.NewMarketService(deps.Pairs, deps.Prices, deps.Markets, deps.Lending, deps.Bus, deps.Audit, deps.Metrics, a.logger)

	orders := service.NewOrderService(exec, deps.Orders, deps.Pairs, deps.Prices, deps.Markets, blocks, sc,
		service.FeeSchedule{
			TotalBps:    uint32(a.cfg.Engine.TradeFeeBps),
			ReferralBps: uint32(a.cfg.Engine.ReferralFeeBps),
		}, a.logger)
	if deps.Limiter != nil && a.cfg.Engine.OrderRateLimit > 0 {
		orders.WithRateLimit(deps.Limiter, service.RateLimit{
			Limit:  a.cfg.Engine.OrderRateLimit,
			Window: a.cfg.Engine.OrderRateWindow.Duration,
		})
	}

	return &engine{
		exec:     exec,
		orders:   orders,
		markets:  markets,
		accounts: service.NewAccountService(led, markets, exec.Reserved, deps.Audit, a.logger),
		profits:  service.NewProfitService(deps.Profits, deps.Audit, a.logger),
	}, nil
}

// EngineMode runs the saga executor, the market-data refresher and, when
// configured, the archiver. Only the ops listener is exposed.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps, eng)

	if a.cfg.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /api/health", handler.NewHealthHandler(deps.Health, a.logger).HealthCheck)
		mux.Handle("GET /metrics", deps.Metrics.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.serveHTTP(ctx, g, "ops", srv.Addr,
			func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("ops server: %w", err)
				}
				return nil
			},
			srv.Shutdown,
		)
	}

	return g.Wait()
}

// ServerMode serves the HTTP API without running sagas: views, pair
// administration and account transfers work, order operations answer 503.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// FullMode runs the engine workers and the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps, eng)
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// startWorkers adds the executor, refresher and archiver goroutines to g.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	g.Go(func() error {
		return ignoreCancel(eng.exec.Run(ctx))
	})

	if interval := a.cfg.Engine.MarketRefreshInterval.Duration; interval > 0 {
		g.Go(func() error {
			return ignoreCancel(eng.markets.RunRefresher(ctx, interval))
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return ignoreCancel(deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration, a.cfg.S3.Retention.Duration))
		})
	} else {
		a.logger.InfoContext(ctx, "s3 disabled; terminal orders are not archived")
	}
}

// startHTTPServer adds the API server, and the WebSocket hub when a signal
// bus is wired, to g. The server is shut down gracefully when ctx is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return ignoreCancel(hub.Run(ctx))
		})
	} else {
		a.logger.InfoContext(ctx, "redis disabled; /ws is not served")
	}

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			AdminKey:    a.cfg.Server.AdminKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(deps.Health, a.logger),
			Markets:  handler.NewMarketHandler(eng.markets, a.logger),
			Accounts: handler.NewAccountHandler(eng.accounts, a.logger),
			Profits:  handler.NewProfitHandler(eng.profits, a.logger),
			Orders:   handler.NewOrderHandler(eng.orders, a.logger),
		},
		server.Options{
			Hub:     hub,
			Limiter: deps.Limiter,
			Metrics: deps.Metrics,
		},
		a.logger,
	)

	a.serveHTTP(ctx, g, "api", fmt.Sprintf(":%d", a.cfg.Server.Port), srv.Start, srv.Shutdown)
}

// serveHTTP runs start in g and calls shutdown once ctx is done.
func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, start func() error, shutdown func(context.Context) error) {
	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.String("server", name),
			slog.String("addr", addr),
		)
		return start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("HTTP server shutting down", slog.String("server", name))
		return shutdown(shutCtx)
	})
}

// ignoreCancel treats context cancellation as a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
