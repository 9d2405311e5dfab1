package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

const defaultMarketTTL = 5 * time.Minute

// MarketDataCache is a read-through, write-through cache of lending-market
// snapshots in front of a persistent domain.MarketDataStore. Snapshots live
// at "market:{token}" as JSON with a TTL.
type MarketDataCache struct {
	client  *Client
	backing domain.MarketDataStore
	ttl     time.Duration
	logger  *slog.Logger
}

// NewMarketDataCache creates a MarketDataCache. A zero ttl uses five minutes.
func NewMarketDataCache(c *Client, backing domain.MarketDataStore, ttl time.Duration, logger *slog.Logger) *MarketDataCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketDataCache{
		client:  c,
		backing: backing,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "market_data_cache")),
	}
}

// marketRecord is the cached form; token amounts travel as decimal strings.
type marketRecord struct {
	Token             string          `json:"token"`
	TotalSupplies     string          `json:"total_supplies"`
	TotalBorrows      string          `json:"total_borrows"`
	TotalReserves     string          `json:"total_reserves"`
	ExchangeRateRatio decimal.Decimal `json:"exchange_rate_ratio"`
	InterestRateRatio decimal.Decimal `json:"interest_rate_ratio"`
	BorrowRateRatio   decimal.Decimal `json:"borrow_rate_ratio"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (mc *MarketDataCache) key(token string) string {
	return mc.client.Key("market", token)
}

// PutMarketData writes the backing store first; the cache is refreshed only
// once the snapshot is durable.
func (mc *MarketDataCache) PutMarketData(ctx context.Context, md domain.MarketData) error {
	if err := mc.backing.PutMarketData(ctx, md); err != nil {
		return err
	}
	mc.fill(ctx, md)
	return nil
}

func (mc *MarketDataCache) GetMarketData(ctx context.Context, token string) (domain.MarketData, error) {
	data, err := mc.client.rdb.Get(ctx, mc.key(token)).Bytes()
	switch {
	case err == nil:
		md, decErr := decodeMarket(data)
		if decErr == nil {
			return md, nil
		}
		mc.logger.WarnContext(ctx, "dropping unreadable market entry", slog.String("token", token), slog.String("error", decErr.Error()))
	case !errors.Is(err, redis.Nil):
		mc.logger.WarnContext(ctx, "market cache read failed", slog.String("token", token), slog.String("error", err.Error()))
	}

	md, err := mc.backing.GetMarketData(ctx, token)
	if err != nil {
		return domain.MarketData{}, err
	}
	mc.fill(ctx, md)
	return md, nil
}

func (mc *MarketDataCache) fill(ctx context.Context, md domain.MarketData) {
	data, err := encodeMarket(md)
	if err == nil {
		err = mc.client.rdb.Set(ctx, mc.key(md.Token), data, mc.ttl).Err()
	}
	if err != nil {
		mc.logger.WarnContext(ctx, "market cache write failed", slog.String("token", md.Token), slog.String("error", err.Error()))
	}
}

func encodeMarket(md domain.MarketData) ([]byte, error) {
	return json.Marshal(marketRecord{
		Token:             md.Token,
		TotalSupplies:     md.TotalSupplies.Dec(),
		TotalBorrows:      md.TotalBorrows.Dec(),
		TotalReserves:     md.TotalReserves.Dec(),
		ExchangeRateRatio: md.ExchangeRateRatio,
		InterestRateRatio: md.InterestRateRatio,
		BorrowRateRatio:   md.BorrowRateRatio,
		UpdatedAt:         md.UpdatedAt,
	})
}

func decodeMarket(data []byte) (domain.MarketData, error) {
	var rec marketRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.MarketData{}, fmt.Errorf("unmarshal market: %w", err)
	}
	md := domain.MarketData{
		Token:             rec.Token,
		ExchangeRateRatio: rec.ExchangeRateRatio,
		InterestRateRatio: rec.InterestRateRatio,
		BorrowRateRatio:   rec.BorrowRateRatio,
		UpdatedAt:         rec.UpdatedAt,
	}
	for _, f := range []struct {
		dst *uint256.Int
		src string
	}{
		{&md.TotalSupplies, rec.TotalSupplies},
		{&md.TotalBorrows, rec.TotalBorrows},
		{&md.TotalReserves, rec.TotalReserves},
	} {
		if err := f.dst.SetFromDecimal(f.src); err != nil {
			return domain.MarketData{}, fmt.Errorf("market %s amount %q: %w", rec.Token, f.src, err)
		}
	}
	return md, nil
}

var _ domain.MarketDataStore = (*MarketDataCache)(nil)
