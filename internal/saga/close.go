package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/formula"
)

// CloseRequest cancels (owner only) or liquidates (anyone, when eligible)
// an order.
type CloseRequest struct {
	Kind    domain.SagaKind // SagaCancel or SagaLiquidate
	OrderID uint64
	Caller  string
	Fees    FeeOverrides
}

type closeState int

const (
	closeInit closeState = iota
	closeGetPool
	closeGetLiquidity
	closeRemove
	closeSwap
	closeMarketData
	closeDone
)

// CloseSaga: get_pool → get_liquidity → remove_liquidity → swap →
// [market data →] settle. Progress after removal and after the swap is
// checkpointed; a retry resumes from the checkpoint instead of repeating
// those calls.
type CloseSaga struct {
	id    string
	req   CloseRequest
	state closeState
	calls int

	order     domain.Order
	pair      domain.TradePair
	sellPrice decimal.Decimal
	buyPrice  decimal.Decimal
	block     uint64
	fees      formula.Fees

	checkpoint *domain.Checkpoint
	pool       domain.PoolInfo
	sellIsX    bool
	removedX   uint256.Int
	removedY   uint256.Int
	swapOut    uint256.Int
}

// NewClose creates a CloseSaga.
func NewClose(req CloseRequest) *CloseSaga {
	return &CloseSaga{id: uuid.NewString(), req: req}
}

func (s *CloseSaga) ID() string            { return s.id }
func (s *CloseSaga) Kind() domain.SagaKind { return s.req.Kind }
func (s *CloseSaga) OrderID() uint64       { return s.req.OrderID }
func (s *CloseSaga) Caller() string        { return s.req.Caller }

func (s *CloseSaga) fail(step string, err error, reconcile bool) *domain.SagaError {
	s.state = closeDone
	return failure(s.req.Kind, s.req.OrderID, step, err, reconcile)
}

func (s *CloseSaga) call(step string, fn func(ctx context.Context) (any, error)) Step {
	s.calls++
	return Step{Call: &Call{Name: step, Run: fn}}
}

func (s *CloseSaga) leveraged() bool {
	return s.order.Leverage.GreaterThan(decimal.One())
}

func (s *CloseSaga) validate(ctx context.Context, env *Env) error {
	if s.req.Kind != domain.SagaCancel && s.req.Kind != domain.SagaLiquidate {
		return fmt.Errorf("%w: close kind %q", domain.ErrInvalidOrder, s.req.Kind)
	}
	order, err := env.Orders.GetByID(ctx, s.req.OrderID)
	if err != nil {
		return err
	}
	if s.req.Kind == domain.SagaCancel && order.Owner != s.req.Caller {
		return fmt.Errorf("%w: order %d", domain.ErrWrongOwner, order.ID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("%w: order %d is %s", domain.ErrOrderTerminal, order.ID, order.Status)
	}
	s.order = order

	if s.pair, err = env.Pairs.GetPair(ctx, order.PairID); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedPair, order.PairID)
		}
		return err
	}
	if s.sellPrice, s.buyPrice, err = env.prices(ctx, order.SellToken, order.BuyToken); err != nil {
		return err
	}
	s.block = env.Blocks.CurrentBlock()
	s.fees = env.fees(s.req.Fees)

	if s.req.Kind == domain.SagaLiquidate {
		s.fees = env.liquidationFees(s.req.Fees)
		if err := s.precheck(ctx, env); err != nil {
			return err
		}
	}

	cp, err := env.Checkpoints.GetCheckpoint(ctx, order.ID)
	switch {
	case err == nil:
		s.checkpoint = &cp
	case !isNotFound(err):
		return fmt.Errorf("load checkpoint: %w", err)
	}
	return nil
}

// precheck rejects a liquidation up front when the order is not eligible at
// current prices and the last stored borrow rate. Without a stored rate for
// a leveraged order the check is deferred to the final step.
func (s *CloseSaga) precheck(ctx context.Context, env *Env) error {
	md := domain.MarketData{}
	if s.leveraged() {
		stored, err := env.Markets.GetMarketData(ctx, s.order.BuyToken)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return fmt.Errorf("load market data: %w", err)
		}
		md = stored
	}
	pnl, err := formula.ComputePnL(formula.InputFromOrder(s.order, s.buyPrice, md, s.block, s.fees))
	if err != nil {
		return err
	}
	ok, err := formula.Liquidatable(s.order, pnl, env.Config.LiquidationThreshold)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order %d", domain.ErrNotEligible, s.order.ID)
	}
	return nil
}

// Start validates the request and fetches the pool.
func (s *CloseSaga) Start(ctx context.Context, env *Env) (Step, error) {
	if s.state != closeInit {
		return Step{}, fmt.Errorf("saga: %s %s already started", s.req.Kind, s.id)
	}
	if err := s.validate(ctx, env); err != nil {
		return Step{}, s.fail(StepValidate, err, false)
	}
	s.state = closeGetPool
	poolID := s.pair.PoolID
	return s.call(StepGetPool, func(ctx context.Context) (any, error) {
		return env.AMM.GetPool(ctx, poolID)
	}), nil
}

// Resume advances the saga with the outcome of the last call.
func (s *CloseSaga) Resume(ctx context.Context, env *Env, out Outcome) (Step, error) {
	switch s.state {
	case closeGetPool:
		pool, err := outcomeValue[domain.PoolInfo](out)
		if err != nil {
			return Step{}, s.fail(StepGetPool, err, false)
		}
		if !pool.Tradeable() {
			return Step{}, s.fail(StepGetPool, fmt.Errorf("%w: %s is %s", domain.ErrPoolNotTradeable, pool.PoolID, pool.State), false)
		}
		if s.sellIsX, err = tokenSide(pool, s.order.SellToken); err != nil {
			return Step{}, s.fail(StepGetPool, err, false)
		}
		s.pool = pool

		if cp := s.checkpoint; cp != nil {
			s.removedX.Set(&cp.RemovedX)
			s.removedY.Set(&cp.RemovedY)
			env.Logger.InfoContext(ctx, "resuming close from checkpoint",
				slog.String("saga_id", s.id),
				slog.Uint64("order_id", s.order.ID),
				slog.String("stage", string(cp.Stage)),
			)
			if cp.Stage == domain.StageSwapped {
				s.swapOut.Set(&cp.SwapOut)
				return s.marketData(ctx, env)
			}
			return s.swap(ctx, env, nil)
		}

		s.state = closeGetLiquidity
		handle := s.order.PositionHandle
		return s.call(StepGetLiquidity, func(ctx context.Context) (any, error) {
			return env.AMM.GetLiquidity(ctx, handle)
		}), nil

	case closeGetLiquidity:
		info, err := outcomeValue[domain.LiquidityInfo](out)
		if err != nil {
			return Step{}, s.fail(StepGetLiquidity, err, false)
		}
		if s.pool.Liquidity.Lt(&info.Amount) {
			return Step{}, s.fail(StepGetLiquidity, fmt.Errorf("%w: pool holds %s, position is %s",
				domain.ErrInsufficientLiquidity, s.pool.Liquidity.Dec(), info.Amount.Dec()), false)
		}
		params := domain.RemoveLiquidityParams{Handle: info.Handle, Amount: info.Amount}
		minX, err := floor(&info.AmountX, env.Config.Slippage)
		if err != nil {
			return Step{}, s.fail(StepRemoveLiquidity, err, false)
		}
		minY, err := floor(&info.AmountY, env.Config.Slippage)
		if err != nil {
			return Step{}, s.fail(StepRemoveLiquidity, err, false)
		}
		params.MinAmountX.Set(minX)
		params.MinAmountY.Set(minY)

		s.state = closeRemove
		return s.call(StepRemoveLiquidity, func(ctx context.Context) (any, error) {
			return env.AMM.RemoveLiquidity(ctx, params)
		}), nil

	case closeRemove:
		removed, err := outcomeValue[domain.RemovedLiquidity](out)
		if err != nil {
			return Step{}, s.fail(StepRemoveLiquidity, err, false)
		}
		s.removedX.Set(&removed.AmountX)
		s.removedY.Set(&removed.AmountY)
		cp := s.newCheckpoint(env, domain.StageLiquidityRemoved)
		return s.swap(ctx, env, cp)

	case closeSwap:
		amountOut, err := outcomeValue[*uint256.Int](out)
		if err != nil {
			return Step{}, s.fail(StepSwap, err, false)
		}
		s.swapOut.Set(amountOut)
		step, err := s.marketData(ctx, env)
		if err != nil {
			return step, err
		}
		step.Checkpoint = s.newCheckpoint(env, domain.StageSwapped)
		return step, nil

	case closeMarketData:
		md, err := outcomeValue[domain.MarketData](out)
		if err != nil {
			return Step{}, s.fail(StepViewMarketData, err, false)
		}
		return s.settle(ctx, env, md)

	default:
		return Step{}, fmt.Errorf("saga: %s %s resumed in state %d", s.req.Kind, s.id, s.state)
	}
}

func (s *CloseSaga) newCheckpoint(env *Env, stage domain.CheckpointStage) *domain.Checkpoint {
	cp := &domain.Checkpoint{
		OrderID:   s.order.ID,
		Kind:      s.req.Kind,
		Stage:     stage,
		UpdatedAt: env.now(),
	}
	cp.RemovedX.Set(&s.removedX)
	cp.RemovedY.Set(&s.removedY)
	cp.SwapOut.Set(&s.swapOut)
	return cp
}

// swap converts the buy-token proceeds back into the sell token. With no buy
// proceeds it moves straight on.
func (s *CloseSaga) swap(ctx context.Context, env *Env, cp *domain.Checkpoint) (Step, error) {
	_, buyAmount := sides(s.sellIsX, &s.removedX, &s.removedY)
	if buyAmount.IsZero() {
		s.swapOut.Clear()
		step, err := s.marketData(ctx, env)
		if err != nil {
			return step, err
		}
		step.Checkpoint = s.newCheckpoint(env, domain.StageSwapped)
		return step, nil
	}

	expected, err := scaleAmount(buyAmount, s.buyPrice, s.sellPrice)
	if err != nil {
		return Step{}, s.fail(StepSwap, err, false)
	}
	minOut, err := floor(expected, env.Config.Slippage)
	if err != nil {
		return Step{}, s.fail(StepSwap, err, false)
	}
	action := domain.SwapAction{
		PoolID:   s.pool.PoolID,
		TokenIn:  s.order.BuyToken,
		TokenOut: s.order.SellToken,
	}
	action.AmountIn.Set(buyAmount)
	action.MinAmountOut.Set(minOut)

	s.state = closeSwap
	tokenIn, amountIn := s.order.BuyToken, new(uint256.Int).Set(buyAmount)
	step := s.call(StepSwap, func(ctx context.Context) (any, error) {
		return env.AMM.Swap(ctx, tokenIn, amountIn, []domain.SwapAction{action})
	})
	step.Checkpoint = cp
	return step, nil
}

// marketData fetches the borrow rate for leveraged orders. Unleveraged
// orders accrue no borrow fee and settle immediately.
func (s *CloseSaga) marketData(ctx context.Context, env *Env) (Step, error) {
	if !s.leveraged() {
		return s.settle(ctx, env, domain.MarketData{Token: s.order.BuyToken})
	}
	s.state = closeMarketData
	market := s.pair.BuyMarket
	return s.call(StepViewMarketData, func(ctx context.Context) (any, error) {
		return env.Lending.ViewMarketData(ctx, market)
	}), nil
}

func (s *CloseSaga) settle(ctx context.Context, env *Env, md domain.MarketData) (Step, error) {
	pnl, err := formula.ComputePnL(formula.InputFromOrder(s.order, s.buyPrice, md, s.block, s.fees))
	if err != nil {
		return Step{}, s.fail(StepSettle, err, false)
	}
	if s.req.Kind == domain.SagaLiquidate {
		ok, err := formula.Liquidatable(s.order, pnl, env.Config.LiquidationThreshold)
		if err != nil {
			return Step{}, s.fail(StepEligibility, err, false)
		}
		if !ok {
			return Step{}, s.fail(StepEligibility, fmt.Errorf("%w: order %d", domain.ErrNotEligible, s.order.ID), false)
		}
	}

	st, err := s.settlement(ctx, env, pnl)
	if err != nil {
		return Step{}, s.fail(StepSettle, err, false)
	}
	s.state = closeDone
	return Step{
		Done:       true,
		Settlement: st,
		Result:     Result{Order: st.Order, PnL: &pnl, Calls: s.calls},
	}, nil
}

// settlement credits the owner with everything the position returned in sell
// token, minus the borrowed principal at current prices and the protocol's
// profit share. Liquidations pay the liquidator an incentive out of the
// owner's credit.
func (s *CloseSaga) settlement(ctx context.Context, env *Env, pnl formula.PnL) (*domain.Settlement, error) {
	sellRemoved, _ := sides(s.sellIsX, &s.removedX, &s.removedY)
	received := new(uint256.Int).Add(sellRemoved, &s.swapOut)

	borrowed, err := scaleAmount(&s.order.BorrowAmount, s.buyPrice, s.sellPrice)
	if err != nil {
		return nil, fmt.Errorf("borrowed principal: %w", err)
	}
	afterBorrow, shortfall := subSat(received, borrowed)
	if !shortfall.IsZero() {
		env.Logger.WarnContext(ctx, "position proceeds below borrowed principal",
			slog.String("saga_id", s.id),
			slog.Uint64("order_id", s.order.ID),
			slog.String("received", received.Dec()),
			slog.String("principal", borrowed.Dec()),
			slog.String("shortfall", shortfall.Dec()),
		)
	}

	share := new(uint256.Int)
	gross, err := formula.ProtocolShare(pnl)
	if err != nil {
		return nil, err
	}
	if !gross.IsZero() {
		inSell, err := gross.Div(s.sellPrice)
		if err != nil {
			return nil, fmt.Errorf("protocol share: %w", err)
		}
		if share, err = roundAmount(inSell); err != nil {
			return nil, fmt.Errorf("protocol share: %w", err)
		}
		if share.Gt(afterBorrow) {
			share.Set(afterBorrow)
		}
	}
	net := new(uint256.Int).Sub(afterBorrow, share)

	st := &domain.Settlement{ClearCheckpoint: true}
	owner := net
	if s.req.Kind == domain.SagaLiquidate && !env.Config.LiquidationIncentive.IsZero() && s.req.Caller != "" {
		incentive, err := scaleAmount(net, env.Config.LiquidationIncentive, decimal.One())
		if err != nil {
			return nil, fmt.Errorf("liquidation incentive: %w", err)
		}
		if incentive.Gt(net) {
			incentive.Set(net)
		}
		owner = new(uint256.Int).Sub(net, incentive)
		if !incentive.IsZero() {
			st.Credits = append(st.Credits, domain.BalanceDelta{Owner: s.req.Caller, Token: s.order.SellToken, Amount: *incentive})
		}
	}
	if !owner.IsZero() {
		st.Credits = append(st.Credits, domain.BalanceDelta{Owner: s.order.Owner, Token: s.order.SellToken, Amount: *owner})
	}
	if !share.IsZero() {
		st.Profits = append(st.Profits, domain.ProfitDelta{Token: s.order.SellToken, Amount: *share})
	}

	closed := s.order
	now := env.now()
	closed.Status = domain.OrderStatusCanceled
	if s.req.Kind == domain.SagaLiquidate {
		closed.Status = domain.OrderStatusLiquidated
	}
	closed.UpdatedAt = now
	closed.ClosedAt = &now
	st.Order = closed
	return st, nil
}
