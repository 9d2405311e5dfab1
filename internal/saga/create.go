package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
)

// CreateRequest opens a leveraged order.
type CreateRequest struct {
	Owner     string
	SellToken string
	BuyToken  string
	Type      domain.OrderType
	Amount    uint256.Int
	Leverage  decimal.Decimal
}

type createState int

const (
	createInit createState = iota
	createMarketData
	createBorrow
	createGetPool
	createAddLiquidity
	createRepay
	createDone
)

// CreateSaga: [market data → borrow →] get_pool → add_liquidity → settle.
// A failure after a confirmed borrow optionally repays it before giving up.
type CreateSaga struct {
	id    string
	req   CreateRequest
	state createState
	calls int

	pair      domain.TradePair
	sellPrice decimal.Decimal
	buyPrice  decimal.Decimal
	block     uint64
	position  uint256.Int // sell tokens placed into the pool
	borrowReq uint256.Int
	borrowed  uint256.Int
	pool      domain.PoolInfo

	pending *domain.SagaError // failure held while compensating
}

// NewCreate creates a CreateSaga.
func NewCreate(req CreateRequest) *CreateSaga {
	return &CreateSaga{id: uuid.NewString(), req: req}
}

func (s *CreateSaga) ID() string            { return s.id }
func (s *CreateSaga) Kind() domain.SagaKind { return domain.SagaCreate }
func (s *CreateSaga) OrderID() uint64       { return 0 }
func (s *CreateSaga) Caller() string        { return s.req.Owner }

// Reservation earmarks the requested amount while the saga runs.
func (s *CreateSaga) Reservation() (owner, token string, amount *uint256.Int) {
	return s.req.Owner, s.req.SellToken, &s.req.Amount
}

func (s *CreateSaga) leveraged() bool {
	return s.req.Leverage.GreaterThan(decimal.One())
}

func (s *CreateSaga) fail(step string, err error, reconcile bool) *domain.SagaError {
	s.state = createDone
	return failure(domain.SagaCreate, 0, step, err, reconcile)
}

func (s *CreateSaga) call(step string, fn func(ctx context.Context) (any, error)) Step {
	s.calls++
	return Step{Call: &Call{Name: step, Run: fn}}
}

func (s *CreateSaga) validate(ctx context.Context, env *Env) error {
	r := s.req
	if r.Owner == "" || !r.Type.Valid() {
		return fmt.Errorf("%w: owner and order type are required", domain.ErrInvalidOrder)
	}
	if r.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidOrder)
	}
	if err := ledger.CheckAmount(&r.Amount); err != nil {
		return err
	}
	if r.Leverage.LessThan(decimal.One()) {
		return fmt.Errorf("%w: leverage %s below 1", domain.ErrInvalidOrder, r.Leverage)
	}
	if !env.Config.MaxLeverage.IsZero() && r.Leverage.GreaterThan(env.Config.MaxLeverage) {
		return fmt.Errorf("%w: leverage %s above %s", domain.ErrInvalidOrder, r.Leverage, env.Config.MaxLeverage)
	}

	pair, err := env.Pairs.GetPair(ctx, domain.PairID(r.SellToken, r.BuyToken))
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s/%s", domain.ErrUnsupportedPair, r.SellToken, r.BuyToken)
		}
		return err
	}
	s.pair = pair

	if s.sellPrice, s.buyPrice, err = env.prices(ctx, r.SellToken, r.BuyToken); err != nil {
		return err
	}

	avail, err := env.Ledger.Available(ctx, r.Owner, r.SellToken, env.reserved(r.Owner, r.SellToken))
	if err != nil {
		return err
	}
	if !ledger.CanDebit(avail, &r.Amount) {
		return fmt.Errorf("%w: %s available, %s requested", domain.ErrInsufficientBalance, avail.Dec(), r.Amount.Dec())
	}

	pos, err := decimal.FromAmount(&r.Amount).Mul(r.Leverage)
	if err != nil {
		return err
	}
	posAmount, err := roundAmount(pos)
	if err != nil {
		return err
	}
	s.position.Set(posAmount)

	if s.leveraged() {
		extra, err := r.Leverage.Sub(decimal.One())
		if err != nil {
			return err
		}
		// amount × (leverage - 1) of sell token, converted to buy token.
		sellSide, err := decimal.FromAmount(&r.Amount).Mul(extra)
		if err != nil {
			return err
		}
		if sellSide, err = sellSide.Mul(s.sellPrice); err != nil {
			return err
		}
		if sellSide, err = sellSide.Div(s.buyPrice); err != nil {
			return err
		}
		borrow, err := roundAmount(sellSide)
		if err != nil {
			return err
		}
		s.borrowReq.Set(borrow)
		if s.borrowReq.IsZero() {
			return fmt.Errorf("%w: borrow amount rounds to zero", domain.ErrInvalidOrder)
		}
	}
	s.block = env.Blocks.CurrentBlock()
	return nil
}

// Start validates the request and issues the first call.
func (s *CreateSaga) Start(ctx context.Context, env *Env) (Step, error) {
	if s.state != createInit {
		return Step{}, fmt.Errorf("saga: create %s already started", s.id)
	}
	if err := s.validate(ctx, env); err != nil {
		return Step{}, s.fail(StepValidate, err, false)
	}
	if s.leveraged() {
		s.state = createMarketData
		market := s.pair.BuyMarket
		return s.call(StepViewMarketData, func(ctx context.Context) (any, error) {
			return env.Lending.ViewMarketData(ctx, market)
		}), nil
	}
	return s.getPool(env), nil
}

func (s *CreateSaga) getPool(env *Env) Step {
	s.state = createGetPool
	poolID := s.pair.PoolID
	return s.call(StepGetPool, func(ctx context.Context) (any, error) {
		return env.AMM.GetPool(ctx, poolID)
	})
}

// Resume advances the saga with the outcome of the last call.
func (s *CreateSaga) Resume(ctx context.Context, env *Env, out Outcome) (Step, error) {
	switch s.state {
	case createMarketData:
		md, err := outcomeValue[domain.MarketData](out)
		if err != nil {
			return Step{}, s.fail(StepViewMarketData, err, false)
		}
		if md.Available().Lt(&s.borrowReq) {
			return Step{}, s.fail(StepViewMarketData, fmt.Errorf("%w: market has %s, need %s",
				domain.ErrInsufficientLiquidity, md.Available().Dec(), s.borrowReq.Dec()), false)
		}
		s.state = createBorrow
		market, amount := s.pair.BuyMarket, new(uint256.Int).Set(&s.borrowReq)
		return s.call(StepBorrow, func(ctx context.Context) (any, error) {
			return env.Lending.Borrow(ctx, market, amount)
		}), nil

	case createBorrow:
		confirmed, err := outcomeValue[*uint256.Int](out)
		if err != nil {
			return Step{}, s.fail(StepBorrow, err, false)
		}
		s.borrowed.Set(confirmed)
		if confirmed.Lt(&s.borrowReq) {
			return s.abortAfterBorrow(env, StepBorrow, fmt.Errorf("%w: borrowed %s of %s",
				domain.ErrExternalCall, confirmed.Dec(), s.borrowReq.Dec()))
		}
		return s.getPool(env), nil

	case createGetPool:
		pool, err := outcomeValue[domain.PoolInfo](out)
		if err != nil {
			return s.abortAfterBorrow(env, StepGetPool, err)
		}
		if !pool.Tradeable() {
			return s.abortAfterBorrow(env, StepGetPool, fmt.Errorf("%w: %s is %s", domain.ErrPoolNotTradeable, pool.PoolID, pool.State))
		}
		s.pool = pool
		params, err := s.liquidityParams(env)
		if err != nil {
			return s.abortAfterBorrow(env, StepAddLiquidity, err)
		}
		s.state = createAddLiquidity
		return s.call(StepAddLiquidity, func(ctx context.Context) (any, error) {
			return env.AMM.AddLiquidity(ctx, params)
		}), nil

	case createAddLiquidity:
		handle, err := outcomeValue[string](out)
		if err == nil && handle == "" {
			err = fmt.Errorf("%w: empty position handle", domain.ErrMalformedResponse)
		}
		if err != nil {
			return s.abortAfterBorrow(env, StepAddLiquidity, err)
		}
		return s.settle(ctx, env, handle)

	case createRepay:
		held := s.pending
		s.state = createDone
		if out.Err != nil {
			env.Logger.ErrorContext(ctx, "borrow compensation failed",
				slog.String("saga_id", s.id),
				slog.String("market", s.pair.BuyMarket),
				slog.String("amount", s.borrowed.Dec()),
				slog.String("error", out.Err.Error()),
				slog.Bool("reconcile", true),
			)
			held.Reconcile = true
			return Step{}, held
		}
		env.Logger.InfoContext(ctx, "borrow repaid after failed create",
			slog.String("saga_id", s.id),
			slog.String("amount", s.borrowed.Dec()),
		)
		return Step{}, held

	default:
		return Step{}, fmt.Errorf("saga: create %s resumed in state %d", s.id, s.state)
	}
}

// abortAfterBorrow fails the saga. A confirmed borrow is either repaid, when
// compensation is enabled, or reported as an unreconciled side effect.
func (s *CreateSaga) abortAfterBorrow(env *Env, step string, err error) (Step, error) {
	if s.borrowed.IsZero() {
		return Step{}, s.fail(step, err, false)
	}
	if !env.Config.CompensateBorrow {
		return Step{}, s.fail(step, err, true)
	}
	s.pending = failure(domain.SagaCreate, 0, step, err, false)
	s.state = createRepay
	market, amount := s.pair.BuyMarket, new(uint256.Int).Set(&s.borrowed)
	return s.call(StepRepay, func(ctx context.Context) (any, error) {
		return nil, env.Lending.Repay(ctx, market, amount)
	}), nil
}

func (s *CreateSaga) liquidityParams(env *Env) (domain.AddLiquidityParams, error) {
	left, right, isX, err := rangeFor(s.pool, s.req.SellToken)
	if err != nil {
		return domain.AddLiquidityParams{}, err
	}
	minOut, err := floor(&s.position, env.Config.Slippage)
	if err != nil {
		return domain.AddLiquidityParams{}, err
	}
	p := domain.AddLiquidityParams{PoolID: s.pool.PoolID, LeftPoint: left, RightPoint: right}
	if isX {
		p.AmountX.Set(&s.position)
		p.MinAmountX.Set(minOut)
	} else {
		p.AmountY.Set(&s.position)
		p.MinAmountY.Set(minOut)
	}
	return p, nil
}

func (s *CreateSaga) settle(ctx context.Context, env *Env, handle string) (Step, error) {
	id, err := env.Orders.NextID(ctx)
	if err != nil {
		return Step{}, s.fail(StepSettle, fmt.Errorf("allocate order id: %w", err), true)
	}
	now := env.now()
	order := domain.Order{
		ID:             id,
		Owner:          s.req.Owner,
		PairID:         s.pair.ID,
		Status:         domain.OrderStatusPending,
		Type:           s.req.Type,
		Amount:         s.req.Amount,
		SellToken:      s.req.SellToken,
		BuyToken:       s.req.BuyToken,
		Leverage:       s.req.Leverage,
		SellTokenPrice: s.sellPrice,
		BuyTokenPrice:  s.buyPrice,
		Block:          s.block,
		PositionHandle: handle,
		BorrowAmount:   s.borrowed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.state = createDone
	return Step{
		Done: true,
		Settlement: &domain.Settlement{
			Order:  order,
			Insert: true,
			Debits: []domain.BalanceDelta{{Owner: s.req.Owner, Token: s.req.SellToken, Amount: s.req.Amount}},
		},
		Result: Result{Order: order, Calls: s.calls},
	}, nil
}
