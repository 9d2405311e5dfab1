package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
)

// ExecuteRequest fills a resting order. Anyone may execute; the caller is
// paid a reward per external call issued.
type ExecuteRequest struct {
	OrderID uint64
	Caller  string
}

type executeState int

const (
	executeInit executeState = iota
	executeGetPool
	executeGetLiquidity
	executeRemove
	executeDone
)

// ExecuteSaga: get_pool → get_liquidity → remove_liquidity → settle.
type ExecuteSaga struct {
	id    string
	req   ExecuteRequest
	state executeState
	calls int

	order   domain.Order
	pair    domain.TradePair
	sellIsX bool
}

// NewExecute creates an ExecuteSaga.
func NewExecute(req ExecuteRequest) *ExecuteSaga {
	return &ExecuteSaga{id: uuid.NewString(), req: req}
}

func (s *ExecuteSaga) ID() string            { return s.id }
func (s *ExecuteSaga) Kind() domain.SagaKind { return domain.SagaExecute }
func (s *ExecuteSaga) OrderID() uint64       { return s.req.OrderID }
func (s *ExecuteSaga) Caller() string        { return s.req.Caller }

func (s *ExecuteSaga) fail(step string, err error) *domain.SagaError {
	s.state = executeDone
	return failure(domain.SagaExecute, s.req.OrderID, step, err, false)
}

func (s *ExecuteSaga) call(step string, fn func(ctx context.Context) (any, error)) Step {
	s.calls++
	return Step{Call: &Call{Name: step, Run: fn}}
}

// Start checks the order is still pending and fetches its pool.
func (s *ExecuteSaga) Start(ctx context.Context, env *Env) (Step, error) {
	if s.state != executeInit {
		return Step{}, fmt.Errorf("saga: execute %s already started", s.id)
	}
	order, err := env.Orders.GetByID(ctx, s.req.OrderID)
	if err != nil {
		return Step{}, s.fail(StepValidate, err)
	}
	if order.Status.IsTerminal() {
		return Step{}, s.fail(StepValidate, fmt.Errorf("%w: order %d is %s", domain.ErrOrderTerminal, order.ID, order.Status))
	}
	pair, err := env.Pairs.GetPair(ctx, order.PairID)
	if err != nil {
		if isNotFound(err) {
			err = fmt.Errorf("%w: %s", domain.ErrUnsupportedPair, order.PairID)
		}
		return Step{}, s.fail(StepValidate, err)
	}
	// A close that already unwound part of the position must be finished
	// by another cancel or liquidate.
	switch cp, err := env.Checkpoints.GetCheckpoint(ctx, order.ID); {
	case err == nil:
		return Step{}, s.fail(StepValidate, fmt.Errorf("%w: order %d has an unfinished close at %s", domain.ErrSagaInFlight, order.ID, cp.Stage))
	case !isNotFound(err):
		return Step{}, s.fail(StepValidate, fmt.Errorf("load checkpoint: %w", err))
	}
	s.order, s.pair = order, pair

	s.state = executeGetPool
	poolID := pair.PoolID
	return s.call(StepGetPool, func(ctx context.Context) (any, error) {
		return env.AMM.GetPool(ctx, poolID)
	}), nil
}

// Resume advances the saga with the outcome of the last call.
func (s *ExecuteSaga) Resume(ctx context.Context, env *Env, out Outcome) (Step, error) {
	switch s.state {
	case executeGetPool:
		pool, err := outcomeValue[domain.PoolInfo](out)
		if err != nil {
			return Step{}, s.fail(StepGetPool, err)
		}
		if s.sellIsX, err = tokenSide(pool, s.order.SellToken); err != nil {
			return Step{}, s.fail(StepGetPool, err)
		}
		s.state = executeGetLiquidity
		handle := s.order.PositionHandle
		return s.call(StepGetLiquidity, func(ctx context.Context) (any, error) {
			return env.AMM.GetLiquidity(ctx, handle)
		}), nil

	case executeGetLiquidity:
		info, err := outcomeValue[domain.LiquidityInfo](out)
		if err != nil {
			return Step{}, s.fail(StepGetLiquidity, err)
		}
		// The order's own floor was fixed when the range was chosen.
		params := domain.RemoveLiquidityParams{Handle: info.Handle, Amount: info.Amount}
		s.state = executeRemove
		return s.call(StepRemoveLiquidity, func(ctx context.Context) (any, error) {
			return env.AMM.RemoveLiquidity(ctx, params)
		}), nil

	case executeRemove:
		removed, err := outcomeValue[domain.RemovedLiquidity](out)
		if err != nil {
			return Step{}, s.fail(StepRemoveLiquidity, err)
		}
		st, reward, err := s.settlement(ctx, env, removed)
		if err != nil {
			return Step{}, s.fail(StepSettle, err)
		}
		s.state = executeDone
		return Step{
			Done:       true,
			Settlement: st,
			Result:     Result{Order: st.Order, Reward: reward, Calls: s.calls},
		}, nil

	default:
		return Step{}, fmt.Errorf("saga: execute %s resumed in state %d", s.id, s.state)
	}
}

// settlement credits the owner with the filled buy tokens net of the borrowed
// principal plus any unfilled sell tokens, and pays the caller's reward from
// the treasury.
func (s *ExecuteSaga) settlement(ctx context.Context, env *Env, removed domain.RemovedLiquidity) (*domain.Settlement, *uint256.Int, error) {
	sellAmount, buyAmount := sides(s.sellIsX, &removed.AmountX, &removed.AmountY)
	st := &domain.Settlement{ClearCheckpoint: true}

	fill, shortfall := subSat(buyAmount, &s.order.BorrowAmount)
	if !shortfall.IsZero() {
		env.Logger.WarnContext(ctx, "fill below borrowed principal",
			slog.String("saga_id", s.id),
			slog.Uint64("order_id", s.order.ID),
			slog.String("fill", buyAmount.Dec()),
			slog.String("principal", s.order.BorrowAmount.Dec()),
		)
	}
	if !fill.IsZero() {
		st.Credits = append(st.Credits, domain.BalanceDelta{Owner: s.order.Owner, Token: s.order.BuyToken, Amount: *fill})
	}
	if !sellAmount.IsZero() {
		st.Credits = append(st.Credits, domain.BalanceDelta{Owner: s.order.Owner, Token: s.order.SellToken, Amount: *sellAmount})
	}

	reward, err := s.reward(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	if !reward.IsZero() {
		st.Debits = append(st.Debits, domain.BalanceDelta{Owner: env.Config.TreasuryAccount, Token: env.Config.RewardToken, Amount: *reward})
		st.Credits = append(st.Credits, domain.BalanceDelta{Owner: s.req.Caller, Token: env.Config.RewardToken, Amount: *reward})
	}

	executed := s.order
	now := env.now()
	executed.Status = domain.OrderStatusExecuted
	executed.UpdatedAt = now
	executed.ClosedAt = &now
	st.Order = executed
	return st, reward, nil
}

// reward is calls × RewardPerCall, or zero when no reward is configured, the
// caller is anonymous or the treasury cannot cover it.
func (s *ExecuteSaga) reward(ctx context.Context, env *Env) (*uint256.Int, error) {
	cfg := env.Config
	if s.req.Caller == "" || cfg.RewardToken == "" || cfg.TreasuryAccount == "" || cfg.RewardPerCall.IsZero() {
		return new(uint256.Int), nil
	}
	reward := new(uint256.Int).Mul(&cfg.RewardPerCall, uint256.NewInt(uint64(s.calls)))
	treasury, err := env.Ledger.Balance(ctx, cfg.TreasuryAccount, cfg.RewardToken)
	if err != nil {
		return nil, fmt.Errorf("treasury balance: %w", err)
	}
	if !ledger.CanDebit(treasury, reward) {
		env.Logger.WarnContext(ctx, "treasury cannot cover execution reward",
			slog.String("saga_id", s.id),
			slog.String("token", cfg.RewardToken),
			slog.String("balance", treasury.Dec()),
			slog.String("reward", reward.Dec()),
		)
		return new(uint256.Int), nil
	}
	return reward, nil
}
