// Package saga models each order operation as an explicit state machine.
//
// A saga never blocks on the outside world. Start and Resume inspect engine
// state, then either hand back the next external Call or finish with a
// Settlement for the terminal write. The executor runs calls, feeds their
// Outcome back through Resume, and is the only caller of these methods, so a
// saga's fields need no locking.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/formula"
	"github.com/alanyoungcy/marginbot/internal/ledger"
)

// Step names reported in domain.SagaError.
const (
	StepValidate        = "validate"
	StepViewMarketData  = "view_market_data"
	StepBorrow          = "borrow"
	StepRepay           = "repay"
	StepGetPool         = "get_pool"
	StepAddLiquidity    = "add_liquidity"
	StepGetLiquidity    = "get_liquidity"
	StepRemoveLiquidity = "remove_liquidity"
	StepSwap            = "swap"
	StepEligibility     = "eligibility"
	StepSettle          = "settle"
)

// Call is one external request. Run must honour ctx.
type Call struct {
	Name string
	Run  func(ctx context.Context) (any, error)
}

// Outcome is the result of a Call.
type Outcome struct {
	Value any
	Err   error
}

// Result is what a finished saga reports to its submitter.
type Result struct {
	Order  domain.Order
	PnL    *formula.PnL
	Reward *uint256.Int
	Calls  int
}

// Step is a saga's instruction to the executor: persist Checkpoint if set,
// then either run Call or, when Done, apply Settlement and report Result.
type Step struct {
	Checkpoint *domain.Checkpoint
	Call       *Call
	Done       bool
	Settlement *domain.Settlement
	Result     Result
}

// Saga is implemented by CreateSaga, CloseSaga and ExecuteSaga.
type Saga interface {
	ID() string
	Kind() domain.SagaKind
	// OrderID is the order the saga operates on, or 0 for a create.
	OrderID() uint64
	// Caller is the account that initiated the saga.
	Caller() string
	Start(ctx context.Context, env *Env) (Step, error)
	Resume(ctx context.Context, env *Env, out Outcome) (Step, error)
}

// Reserver is implemented by sagas that earmark ledger funds while running.
type Reserver interface {
	Reservation() (owner, token string, amount *uint256.Int)
}

// BlockSource reports the current block height used for borrow-fee accrual.
type BlockSource interface {
	CurrentBlock() uint64
}

// ClockBlocks derives a block height from wall-clock time.
type ClockBlocks struct {
	Genesis  time.Time
	Interval time.Duration
	Now      func() time.Time
}

// CurrentBlock returns the number of whole intervals since Genesis.
func (c ClockBlocks) CurrentBlock() uint64 {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	elapsed := now().Sub(c.Genesis)
	if elapsed <= 0 || c.Interval <= 0 {
		return 0
	}
	return uint64(elapsed / c.Interval)
}

// Config holds the protocol parameters sagas read.
type Config struct {
	MaxLeverage          decimal.Decimal
	Slippage             decimal.Decimal
	ProtocolFee          decimal.Decimal
	SwapFee              decimal.Decimal
	PriceImpact          decimal.Decimal
	LiquidationThreshold decimal.Decimal
	LiquidationIncentive decimal.Decimal
	CompensateBorrow     bool
	RewardToken          string
	RewardPerCall        uint256.Int
	TreasuryAccount      string
}

// Env is the engine state and collaborators a saga may touch.
type Env struct {
	Orders      domain.OrderStore
	Ledger      *ledger.Ledger
	Pairs       domain.PairStore
	Prices      domain.PriceStore
	Markets     domain.MarketDataStore
	Checkpoints domain.CheckpointStore
	AMM         domain.AMM
	Lending     domain.LendingMarket
	Blocks      BlockSource
	Config      Config
	// Reserved returns funds earmarked by other in-flight sagas.
	Reserved func(owner, token string) *uint256.Int
	Now      func() time.Time
	Logger   *slog.Logger
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Env) reserved(owner, token string) *uint256.Int {
	if e.Reserved == nil {
		return new(uint256.Int)
	}
	return e.Reserved(owner, token)
}

// FeeOverrides lets a caller supply the swap and price-impact discounts used
// for PnL. Nil fields fall back to Config.
type FeeOverrides struct {
	SwapFee     *decimal.Decimal
	PriceImpact *decimal.Decimal
}

func (e *Env) fees(o FeeOverrides) formula.Fees {
	f := formula.Fees{
		SwapFee:     e.Config.SwapFee,
		PriceImpact: e.Config.PriceImpact,
		ProtocolFee: e.Config.ProtocolFee,
	}
	if o.SwapFee != nil {
		f.SwapFee = *o.SwapFee
	}
	if o.PriceImpact != nil {
		f.PriceImpact = *o.PriceImpact
	}
	return f
}

// liquidationFees is fees with every override capped at its configured
// value. A liquidator may only make an order look healthier.
func (e *Env) liquidationFees(o FeeOverrides) formula.Fees {
	f := e.fees(o)
	if f.SwapFee.GreaterThan(e.Config.SwapFee) {
		f.SwapFee = e.Config.SwapFee
	}
	if f.PriceImpact.GreaterThan(e.Config.PriceImpact) {
		f.PriceImpact = e.Config.PriceImpact
	}
	return f
}

// prices returns the current sell and buy prices of a pair.
func (e *Env) prices(ctx context.Context, sellToken, buyToken string) (sell, buy decimal.Decimal, err error) {
	got, err := e.Prices.GetPrices(ctx, []string{sellToken, buyToken})
	if err != nil {
		return decimal.Zero(), decimal.Zero(), fmt.Errorf("load prices: %w", err)
	}
	sp, ok := got[sellToken]
	if !ok || sp.Value.IsZero() {
		return decimal.Zero(), decimal.Zero(), fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, sellToken)
	}
	bp, ok := got[buyToken]
	if !ok || bp.Value.IsZero() {
		return decimal.Zero(), decimal.Zero(), fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, buyToken)
	}
	return sp.Value, bp.Value, nil
}

// failure builds a SagaError.
func failure(kind domain.SagaKind, orderID uint64, step string, err error, reconcile bool) *domain.SagaError {
	return &domain.SagaError{Kind: kind, Step: step, OrderID: orderID, Reconcile: reconcile, Err: err}
}

// outcomeValue unpacks a successful outcome of type T.
func outcomeValue[T any](out Outcome) (T, error) {
	var zero T
	if out.Err != nil {
		return zero, out.Err
	}
	v, ok := out.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %T", domain.ErrMalformedResponse, out.Value)
	}
	return v, nil
}

// roundAmount rounds d to an integer token amount.
func roundAmount(d decimal.Decimal) (*uint256.Int, error) {
	v, err := d.RoundToInteger()
	if err != nil {
		return nil, err
	}
	return v, nil
}

// scaleAmount returns round(amount × num / den).
func scaleAmount(amount *uint256.Int, num, den decimal.Decimal) (*uint256.Int, error) {
	v, err := decimal.FromAmount(amount).Mul(num)
	if err != nil {
		return nil, err
	}
	if v, err = v.Div(den); err != nil {
		return nil, err
	}
	return roundAmount(v)
}

// floor returns round(amount × (1 - slippage)).
func floor(amount *uint256.Int, slippage decimal.Decimal) (*uint256.Int, error) {
	keep, err := slippage.OneMinus()
	if err != nil {
		return nil, err
	}
	v, err := decimal.FromAmount(amount).Mul(keep)
	if err != nil {
		return nil, err
	}
	return roundAmount(v)
}

// subSat returns a - b, or zero and the shortfall when b > a.
func subSat(a, b *uint256.Int) (out, shortfall *uint256.Int) {
	if b.Gt(a) {
		return new(uint256.Int), new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b), new(uint256.Int)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
