package formula

import (
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

// Fees are the protocol-level discount fractions applied when closing.
type Fees struct {
	SwapFee     decimal.Decimal
	PriceImpact decimal.Decimal
	ProtocolFee decimal.Decimal
}

// PnLInput is everything the PnL computation reads.
type PnLInput struct {
	Amount          *uint256.Int
	Leverage        decimal.Decimal
	SellPriceOpen   decimal.Decimal
	BuyPriceOpen    decimal.Decimal
	BuyPriceNow     decimal.Decimal
	BorrowRateRatio decimal.Decimal
	OpenBlock       uint64
	CurrentBlock    uint64
	Fees            Fees
}

// PnL is the result of closing an order at current prices.
//
// Opening and Expected are sell-side notionals; Gross is |Expected-Opening|
// and Amount is Gross net of the protocol fee.
type PnL struct {
	IsProfit bool
	Amount   decimal.Decimal
	Gross    decimal.Decimal
	Opening  decimal.Decimal
	Expected decimal.Decimal
}

// InputFromOrder builds a PnLInput from an order and current market state.
func InputFromOrder(o domain.Order, buyPriceNow decimal.Decimal, md domain.MarketData, currentBlock uint64, fees Fees) PnLInput {
	return PnLInput{
		Amount:          &o.Amount,
		Leverage:        o.Leverage,
		SellPriceOpen:   o.SellTokenPrice,
		BuyPriceOpen:    o.BuyTokenPrice,
		BuyPriceNow:     buyPriceNow,
		BorrowRateRatio: md.BorrowRateRatio,
		OpenBlock:       o.Block,
		CurrentBlock:    currentBlock,
		Fees:            fees,
	}
}

// BorrowFee returns the borrow fee fraction accrued between two blocks. A
// current block behind the open block accrues nothing.
func BorrowFee(rate decimal.Decimal, openBlock, currentBlock uint64) (decimal.Decimal, error) {
	if currentBlock <= openBlock {
		return decimal.Zero(), nil
	}
	var c calc
	fee := c.mul(rate, decimal.FromInteger(currentBlock-openBlock))
	return fee, c.err
}

// ComputePnL evaluates
//
//	opening  = amount × leverage × sell_open
//	expected = amount × leverage × sell_open / buy_open × buy_now
//	           × (1 - borrow_fee) × (1 - swap_fee) × (1 - price_impact)
//	pnl      = |expected - opening| × (1 - protocol_fee)
//
// Buy and sell orders use the same expression. A borrow fee of 1 or more
// wipes the position out entirely.
func ComputePnL(in PnLInput) (PnL, error) {
	var c calc
	amount := decimal.FromAmount(in.Amount)

	opening := c.mul(c.mul(amount, in.Leverage), in.SellPriceOpen)
	buyQty := c.div(opening, in.BuyPriceOpen)
	expected := c.mul(buyQty, in.BuyPriceNow)

	borrowFee, err := BorrowFee(in.BorrowRateRatio, in.OpenBlock, in.CurrentBlock)
	c.fail("borrow fee", err)
	if c.err == nil && borrowFee.GreaterThanOrEqual(decimal.One()) {
		expected = decimal.Zero()
	} else {
		expected = c.mul(expected, c.discount("borrow fee", borrowFee))
	}
	expected = c.mul(expected, c.discount("swap fee", in.Fees.SwapFee))
	expected = c.mul(expected, c.discount("price impact", in.Fees.PriceImpact))
	keep := c.discount("protocol fee", in.Fees.ProtocolFee)
	if c.err != nil {
		return PnL{}, c.err
	}

	gross := decimal.AbsDiff(expected, opening)
	net := c.mul(gross, keep)
	if c.err != nil {
		return PnL{}, c.err
	}
	return PnL{
		IsProfit: expected.GreaterThan(opening),
		Amount:   net,
		Gross:    gross,
		Opening:  opening,
		Expected: expected,
	}, nil
}

// ProtocolShare is the part of a profitable PnL kept by the protocol.
func ProtocolShare(p PnL) (decimal.Decimal, error) {
	if !p.IsProfit {
		return decimal.Zero(), nil
	}
	var c calc
	share := c.sub(p.Gross, p.Amount)
	return share, c.err
}
