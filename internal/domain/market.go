package domain

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
)

// TradePair identifies a supported (sell, buy) pair together with its oracle
// tickers, lending markets and AMM pool.
type TradePair struct {
	ID         string `json:"id"`
	SellTicker string `json:"sell_ticker_id"`
	SellToken  string `json:"sell_token"`
	SellMarket string `json:"sell_token_market"`
	BuyTicker  string `json:"buy_ticker_id"`
	BuyToken   string `json:"buy_token"`
	BuyMarket  string `json:"buy_token_market"`
	PoolID     string `json:"pool_id"`
}

// PairID builds the canonical identifier of a pair.
func PairID(sellToken, buyToken string) string {
	return sellToken + "/" + buyToken
}

// Price is the latest oracle price for a token.
type Price struct {
	Token     string          `json:"token"`
	Ticker    string          `json:"ticker_id"`
	Value     decimal.Decimal `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TickerPrice is one entry of an oracle update, keyed by ticker id.
type TickerPrice struct {
	Ticker string          `json:"ticker_id"`
	Price  decimal.Decimal `json:"price"`
}

// MarketData is a snapshot of a lending market.
type MarketData struct {
	Token             string          `json:"token"`
	TotalSupplies     uint256.Int     `json:"-"`
	TotalBorrows      uint256.Int     `json:"-"`
	TotalReserves     uint256.Int     `json:"-"`
	ExchangeRateRatio decimal.Decimal `json:"exchange_rate_ratio"`
	InterestRateRatio decimal.Decimal `json:"interest_rate_ratio"`
	BorrowRateRatio   decimal.Decimal `json:"borrow_rate_ratio"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Available returns supplies minus borrows, or zero when the market is
// over-borrowed.
func (m MarketData) Available() *uint256.Int {
	out, underflow := new(uint256.Int).SubOverflow(&m.TotalSupplies, &m.TotalBorrows)
	if underflow {
		return new(uint256.Int)
	}
	return out
}

// PoolState values reported by the AMM.
const (
	PoolStateRunning = "Running"
	PoolStatePaused  = "Paused"
)

// PoolInfo describes an AMM pool.
type PoolInfo struct {
	PoolID       string
	TokenX       string
	TokenY       string
	State        string
	PointDelta   int32
	CurrentPoint int32
	TotalX       uint256.Int
	TotalY       uint256.Int
	Liquidity    uint256.Int
	Fee          uint32
}

// Tradeable reports whether liquidity can be added, removed or swapped.
func (p PoolInfo) Tradeable() bool {
	return p.State == PoolStateRunning
}

// LiquidityInfo describes a liquidity position held by the engine.
type LiquidityInfo struct {
	Handle     string
	PoolID     string
	Amount     uint256.Int
	LeftPoint  int32
	RightPoint int32
	AmountX    uint256.Int
	AmountY    uint256.Int
}

// SwapAction is a single hop of an AMM swap.
type SwapAction struct {
	PoolID       string
	TokenIn      string
	AmountIn     uint256.Int
	TokenOut     string
	MinAmountOut uint256.Int
}
