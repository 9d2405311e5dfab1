package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/metrics"
)

// MarketService administers trade pairs and keeps prices and lending-market
// snapshots current.
type MarketService struct {
	pairs   domain.PairStore
	prices  domain.PriceStore
	markets domain.MarketDataStore
	lending domain.LendingMarket
	bus     domain.SignalBus // optional
	audit   domain.AuditStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	pairs domain.PairStore,
	prices domain.PriceStore,
	markets domain.MarketDataStore,
	lending domain.LendingMarket,
	bus domain.SignalBus,
	audit domain.AuditStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		pairs:   pairs,
		prices:  prices,
		markets: markets,
		lending: lending,
		bus:     bus,
		audit:   audit,
		metrics: m,
		logger:  logger.With(slog.String("component", "market_service")),
		now:     time.Now,
	}
}

// AddPair registers a supported pair. The pair id is always derived from its
// tokens.
func (s *MarketService) AddPair(ctx context.Context, pair domain.TradePair) (domain.TradePair, error) {
	if pair.SellToken == "" || pair.BuyToken == "" || pair.PoolID == "" {
		return domain.TradePair{}, fmt.Errorf("market_service: add pair: %w: sell_token, buy_token and pool_id are required", domain.ErrInvalidOrder)
	}
	if pair.SellToken == pair.BuyToken {
		return domain.TradePair{}, fmt.Errorf("market_service: add pair: %w: tokens must differ", domain.ErrInvalidOrder)
	}
	pair.ID = domain.PairID(pair.SellToken, pair.BuyToken)
	if err := s.pairs.AddPair(ctx, pair); err != nil {
		return domain.TradePair{}, fmt.Errorf("market_service: add pair %s: %w", pair.ID, err)
	}
	s.logAudit(ctx, "pair_added", map[string]any{"pair_id": pair.ID, "pool_id": pair.PoolID})
	s.logger.InfoContext(ctx, "pair added", slog.String("pair_id", pair.ID), slog.String("pool_id", pair.PoolID))
	return pair, nil
}

// RemovePair drops a pair. Orders already open on it keep their snapshot but
// can no longer be closed until the pair is restored.
func (s *MarketService) RemovePair(ctx context.Context, id string) error {
	if err := s.pairs.RemovePair(ctx, id); err != nil {
		return fmt.Errorf("market_service: remove pair %s: %w", id, err)
	}
	s.logAudit(ctx, "pair_removed", map[string]any{"pair_id": id})
	s.logger.InfoContext(ctx, "pair removed", slog.String("pair_id", id))
	return nil
}

func (s *MarketService) GetPair(ctx context.Context, id string) (domain.TradePair, error) {
	p, err := s.pairs.GetPair(ctx, id)
	if err != nil {
		return domain.TradePair{}, fmt.Errorf("market_service: get pair %s: %w", id, err)
	}
	return p, nil
}

func (s *MarketService) ListPairs(ctx context.Context) ([]domain.TradePair, error) {
	pairs, err := s.pairs.ListPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: list pairs: %w", err)
	}
	return pairs, nil
}

// SupportsToken reports whether token is a leg of any supported pair.
func (s *MarketService) SupportsToken(ctx context.Context, token string) (bool, error) {
	pairs, err := s.ListPairs(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pairs {
		if p.SellToken == token || p.BuyToken == token {
			return true, nil
		}
	}
	return false, nil
}

// UpdatePrices is the oracle hook. Each ticker is resolved to a token through
// the supported pairs; unknown tickers are skipped and returned.
func (s *MarketService) UpdatePrices(ctx context.Context, updates []domain.TickerPrice) (updated int, unknown []string, err error) {
	pairs, err := s.ListPairs(ctx)
	if err != nil {
		return 0, nil, err
	}
	tokens := make(map[string]string)
	for _, p := range pairs {
		if p.SellTicker != "" {
			tokens[p.SellTicker] = p.SellToken
		}
		if p.BuyTicker != "" {
			tokens[p.BuyTicker] = p.BuyToken
		}
	}

	now := s.now().UTC()
	prices := make([]domain.Price, 0, len(updates))
	for _, u := range updates {
		token, ok := tokens[u.Ticker]
		if !ok {
			unknown = append(unknown, u.Ticker)
			continue
		}
		prices = append(prices, domain.Price{Token: token, Ticker: u.Ticker, Value: u.Price, UpdatedAt: now})
	}
	if len(prices) == 0 {
		return 0, unknown, nil
	}
	if err := s.prices.SetPrices(ctx, prices); err != nil {
		return 0, unknown, fmt.Errorf("market_service: set prices: %w", err)
	}
	s.metrics.PriceUpdates(len(prices))

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{"event": "prices_updated", "prices": prices})
		if pubErr := s.bus.Publish(ctx, domain.ChannelPrices, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "publish price update failed", slog.String("error", pubErr.Error()))
		}
	}
	if len(unknown) > 0 {
		s.logger.WarnContext(ctx, "oracle sent unknown tickers", slog.Any("tickers", unknown))
	}
	return len(prices), unknown, nil
}

func (s *MarketService) GetPrice(ctx context.Context, token string) (domain.Price, error) {
	p, err := s.prices.GetPrice(ctx, token)
	if err != nil {
		return domain.Price{}, fmt.Errorf("market_service: get price %s: %w", token, err)
	}
	return p, nil
}

// RefreshMarket fetches the lending market snapshot for token and stores it.
func (s *MarketService) RefreshMarket(ctx context.Context, token string) (domain.MarketData, error) {
	market, err := s.marketFor(ctx, token)
	if err != nil {
		return domain.MarketData{}, err
	}
	md, err := s.lending.ViewMarketData(ctx, market)
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("market_service: view market %s: %w", market, err)
	}
	md.Token = token
	if err := s.markets.PutMarketData(ctx, md); err != nil {
		return domain.MarketData{}, fmt.Errorf("market_service: store market %s: %w", token, err)
	}
	s.logger.DebugContext(ctx, "market data refreshed",
		slog.String("token", token),
		slog.String("borrow_rate", md.BorrowRateRatio.String()),
	)
	return md, nil
}

func (s *MarketService) GetMarketData(ctx context.Context, token string) (domain.MarketData, error) {
	md, err := s.markets.GetMarketData(ctx, token)
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("market_service: get market data %s: %w", token, err)
	}
	return md, nil
}

// marketFor returns the lending market address for token.
func (s *MarketService) marketFor(ctx context.Context, token string) (string, error) {
	pairs, err := s.ListPairs(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range pairs {
		switch token {
		case p.BuyToken:
			if p.BuyMarket != "" {
				return p.BuyMarket, nil
			}
		case p.SellToken:
			if p.SellMarket != "" {
				return p.SellMarket, nil
			}
		}
	}
	return "", fmt.Errorf("market_service: %w: no lending market for %s", domain.ErrUnsupportedToken, token)
}

// RefreshAll refreshes every buy-side market, the ones leveraged orders borrow
// from. Failures are logged and counted, not fatal.
func (s *MarketService) RefreshAll(ctx context.Context) (refreshed, failed int) {
	pairs, err := s.ListPairs(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "refresh: list pairs failed", slog.String("error", err.Error()))
		return 0, 0
	}
	seen := make(map[string]bool)
	for _, p := range pairs {
		if seen[p.BuyToken] || p.BuyMarket == "" {
			continue
		}
		seen[p.BuyToken] = true
		if _, err := s.RefreshMarket(ctx, p.BuyToken); err != nil {
			failed++
			s.logger.WarnContext(ctx, "refresh market failed",
				slog.String("token", p.BuyToken),
				slog.String("error", err.Error()),
			)
			continue
		}
		refreshed++
	}
	return refreshed, failed
}

// RunRefresher calls RefreshAll every interval until ctx is done.
func (s *MarketService) RunRefresher(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RefreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, failed := s.RefreshAll(ctx)
			s.logger.DebugContext(ctx, "market refresh cycle", slog.Int("refreshed", ok), slog.Int("failed", failed))
		}
	}
}

func (s *MarketService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
