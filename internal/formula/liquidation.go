package formula

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

// LiquidationPrice returns the buy-token price at which the position has lost
// VolatilityRate of its collateral:
//
//	collateral = sell_amount × sell_price
//	position   = collateral × leverage
//	borrow     = collateral × (leverage - 1)
//	buy_amount = position / buy_price
//	price      = buy_price - (collateral × 0.95 - borrow × borrow_fee - position × swap_fee) / buy_amount
//
// When the fee terms exceed the margin the result lies above buy_price. A
// result below zero is reported as zero.
func LiquidationPrice(sellAmount *uint256.Int, sellPrice, buyPrice, leverage, borrowFee, swapFee decimal.Decimal) (decimal.Decimal, error) {
	if leverage.LessThan(decimal.One()) {
		return decimal.Zero(), fmt.Errorf("formula: leverage %s below 1: %w", leverage, domain.ErrInvalidOrder)
	}
	var c calc
	collateral := c.mul(decimal.FromAmount(sellAmount), sellPrice)
	position := c.mul(collateral, leverage)
	borrow := c.mul(collateral, c.sub(leverage, decimal.One()))
	buyAmount := c.div(position, buyPrice)

	margin := c.mul(collateral, VolatilityRate)
	costs := c.add(c.mul(borrow, borrowFee), c.mul(position, swapFee))
	if c.err != nil {
		return decimal.Zero(), c.err
	}

	if margin.GreaterThanOrEqual(costs) {
		drop := c.div(c.sub(margin, costs), buyAmount)
		if c.err != nil {
			return decimal.Zero(), c.err
		}
		if drop.GreaterThanOrEqual(buyPrice) {
			return decimal.Zero(), nil
		}
		return c.sub(buyPrice, drop), c.err
	}
	rise := c.div(c.sub(costs, margin), buyAmount)
	return c.add(buyPrice, rise), c.err
}

// LossThreshold is the loss at which an order becomes liquidatable:
// amount × buy_price_open × (1 - threshold).
func LossThreshold(amount *uint256.Int, buyPriceOpen, threshold decimal.Decimal) (decimal.Decimal, error) {
	var c calc
	v := c.mul(c.mul(decimal.FromAmount(amount), buyPriceOpen), c.discount("liquidation threshold", threshold))
	return v, c.err
}

// Liquidatable reports whether a losing PnL meets the liquidation threshold.
// Profitable orders are never liquidatable.
func Liquidatable(o domain.Order, p PnL, threshold decimal.Decimal) (bool, error) {
	if p.IsProfit {
		return false, nil
	}
	limit, err := LossThreshold(&o.Amount, o.BuyTokenPrice, threshold)
	if err != nil {
		return false, err
	}
	return p.Amount.GreaterThanOrEqual(limit), nil
}
