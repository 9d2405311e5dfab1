package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

// PriceCache implements domain.PriceStore using Redis hashes. Each token's
// price lives at "price:{token}" with fields "value", "ticker" and "ts"
// (Unix nanoseconds).
type PriceCache struct {
	client *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{client: c}
}

func (pc *PriceCache) key(token string) string {
	return pc.client.Key("price", token)
}

// SetPrices writes every price in one MULTI/EXEC so readers never observe a
// half-applied oracle update.
func (pc *PriceCache) SetPrices(ctx context.Context, prices []domain.Price) error {
	if len(prices) == 0 {
		return nil
	}
	_, err := pc.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range prices {
			pipe.HSet(ctx, pc.key(p.Token), encodePrice(p))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set prices: %w", err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound when no price was ever set for token.
func (pc *PriceCache) GetPrice(ctx context.Context, token string) (domain.Price, error) {
	vals, err := pc.client.rdb.HGetAll(ctx, pc.key(token)).Result()
	if err != nil {
		return domain.Price{}, fmt.Errorf("redis: get price %s: %w", token, err)
	}
	if len(vals) == 0 {
		return domain.Price{}, fmt.Errorf("redis: price %s: %w", token, domain.ErrNotFound)
	}
	p, err := decodePrice(token, vals)
	if err != nil {
		return domain.Price{}, fmt.Errorf("redis: get price %s: %w", token, err)
	}
	return p, nil
}

// GetPrices fetches several tokens in one pipeline. Missing or unreadable
// entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, tokens []string) (map[string]domain.Price, error) {
	out := make(map[string]domain.Price, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}

	pipe := pc.client.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tokens))
	for _, t := range tokens {
		cmds[t] = pipe.HGetAll(ctx, pc.key(t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	for t, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		p, err := decodePrice(t, vals)
		if err != nil {
			continue
		}
		out[t] = p
	}
	return out, nil
}

func encodePrice(p domain.Price) map[string]any {
	ts := p.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"value":  p.Value.String(),
		"ticker": p.Ticker,
		"ts":     strconv.FormatInt(ts.UnixNano(), 10),
	}
}

func decodePrice(token string, vals map[string]string) (domain.Price, error) {
	raw, ok := vals["value"]
	if !ok {
		return domain.Price{}, fmt.Errorf("price %s has no value: %w", token, domain.ErrNotFound)
	}
	value, err := decimal.FromString(raw)
	if err != nil {
		return domain.Price{}, fmt.Errorf("parse price %s: %w", token, err)
	}
	p := domain.Price{Token: token, Ticker: vals["ticker"], Value: value}
	if ts, ok := vals["ts"]; ok {
		nanos, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return domain.Price{}, fmt.Errorf("parse price ts %s: %w", token, err)
		}
		p.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	return p, nil
}

var _ domain.PriceStore = (*PriceCache)(nil)
