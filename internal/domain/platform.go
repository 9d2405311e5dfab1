package domain

import (
	"context"

	"github.com/holiman/uint256"
)

// AddLiquidityParams places liquidity in [LeftPoint, RightPoint) of a pool.
type AddLiquidityParams struct {
	PoolID     string
	LeftPoint  int32
	RightPoint int32
	AmountX    uint256.Int
	AmountY    uint256.Int
	MinAmountX uint256.Int
	MinAmountY uint256.Int
}

// RemoveLiquidityParams withdraws Amount of liquidity from a position.
type RemoveLiquidityParams struct {
	Handle     string
	Amount     uint256.Int
	MinAmountX uint256.Int
	MinAmountY uint256.Int
}

// RemovedLiquidity is what remove_liquidity returned to the engine.
type RemovedLiquidity struct {
	AmountX uint256.Int
	AmountY uint256.Int
}

// AMM is the external concentrated-liquidity exchange.
type AMM interface {
	GetPool(ctx context.Context, poolID string) (PoolInfo, error)
	GetLiquidity(ctx context.Context, handle string) (LiquidityInfo, error)
	AddLiquidity(ctx context.Context, p AddLiquidityParams) (string, error)
	RemoveLiquidity(ctx context.Context, p RemoveLiquidityParams) (RemovedLiquidity, error)
	// Swap transfers amountIn of tokenIn to the AMM with the actions attached
	// and returns the amount received from the last action.
	Swap(ctx context.Context, tokenIn string, amountIn *uint256.Int, actions []SwapAction) (*uint256.Int, error)
}

// LendingMarket is the external lending protocol. Markets are addressed by
// the market id configured on the trade pair.
type LendingMarket interface {
	Borrow(ctx context.Context, market string, amount *uint256.Int) (*uint256.Int, error)
	Repay(ctx context.Context, market string, amount *uint256.Int) error
	ViewMarketData(ctx context.Context, market string) (MarketData, error)
}
