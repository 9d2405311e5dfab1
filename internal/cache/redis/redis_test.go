package redis

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "price:wnear", joinKey("", "price", "wnear"))
	assert.Equal(t, "mb:lock:order:7", joinKey("mb", "lock", "order:7"))
}

func TestPriceHashDecoding(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fields := encodePrice(domain.Price{Token: "wnear", Ticker: "WNEAR", Value: decimal.MustFromString("4.22"), UpdatedAt: ts})

	vals := make(map[string]string, len(fields))
	for k, v := range fields {
		vals[k] = v.(string)
	}
	p, err := decodePrice("wnear", vals)
	require.NoError(t, err)
	assert.Equal(t, "4.22", p.Value.String())
	assert.Equal(t, "WNEAR", p.Ticker)
	assert.True(t, ts.Equal(p.UpdatedAt))

	_, err = decodePrice("wnear", map[string]string{"ticker": "WNEAR"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = decodePrice("wnear", map[string]string{"value": "-1"})
	assert.Error(t, err)
}

func TestMarketRecordKeepsFullWidthAmounts(t *testing.T) {
	md := domain.MarketData{
		Token:           "wnear",
		BorrowRateRatio: decimal.MustFromString("1.000000001"),
	}
	supplies, err := uint256.FromDecimal("340282366920938463463374607431768211455")
	require.NoError(t, err)
	md.TotalSupplies = *supplies
	md.TotalBorrows.SetUint64(42)

	data, err := encodeMarket(md)
	require.NoError(t, err)
	got, err := decodeMarket(data)
	require.NoError(t, err)
	assert.Equal(t, md.TotalSupplies.Dec(), got.TotalSupplies.Dec())
	assert.Equal(t, uint64(42), got.TotalBorrows.Uint64())
	assert.True(t, got.TotalReserves.IsZero())
	assert.Equal(t, "1.000000001", got.BorrowRateRatio.String())

	_, err = decodeMarket([]byte(`{"token":"x","total_supplies":"abc"}`))
	assert.Error(t, err)
}

func TestStreamPayload(t *testing.T) {
	b, ok := streamPayload(map[string]any{"payload": "{}"})
	assert.True(t, ok)
	assert.Equal(t, []byte("{}"), b)
	_, ok = streamPayload(map[string]any{"other": "x"})
	assert.False(t, ok)
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "return {1, count + 1}")
}
