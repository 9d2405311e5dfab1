package saga_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/saga"
	"github.com/alanyoungcy/marginbot/internal/saga/sagatest"
	"github.com/alanyoungcy/marginbot/internal/store/memory"
)

type fixedBlock uint64

func (b fixedBlock) CurrentBlock() uint64 { return uint64(b) }

type harness struct {
	store   *memory.Store
	amm     *sagatest.AMM
	lending *sagatest.Lending
	env     *saga.Env
}

func dec(s string) decimal.Decimal { return decimal.MustFromString(s) }

func newHarness(t *testing.T, sellPrice, buyPrice string) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	amm := sagatest.NewAMM("usdt|wnear|2000", "usdt", "wnear")
	lending := sagatest.NewLending("wnear")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, store.AddPair(ctx, domain.TradePair{
		ID:         domain.PairID("usdt", "wnear"),
		SellTicker: "USDT",
		SellToken:  "usdt",
		SellMarket: "usdt.market",
		BuyTicker:  "WNEAR",
		BuyToken:   "wnear",
		BuyMarket:  "wnear.market",
		PoolID:     amm.Pool.PoolID,
	}))
	_, err := store.Increase(ctx, "alice", "usdt", uint256.NewInt(5000))
	require.NoError(t, err)

	h := &harness{store: store, amm: amm, lending: lending}
	h.setPrices(t, sellPrice, buyPrice)
	h.env = &saga.Env{
		Orders:      store,
		Ledger:      ledger.New(store, logger),
		Pairs:       store,
		Prices:      store,
		Markets:     store,
		Checkpoints: store,
		AMM:         amm,
		Lending:     lending,
		Blocks:      fixedBlock(100),
		Config: saga.Config{
			MaxLeverage:          dec("5"),
			Slippage:             dec("0.01"),
			ProtocolFee:          dec("0.1"),
			LiquidationThreshold: dec("0.8"),
		},
		Logger: logger,
	}
	return h
}

func (h *harness) setPrices(t *testing.T, sell, buy string) {
	t.Helper()
	require.NoError(t, h.store.SetPrices(context.Background(), []domain.Price{
		{Token: "usdt", Ticker: "USDT", Value: dec(sell)},
		{Token: "wnear", Ticker: "WNEAR", Value: dec(buy)},
	}))
}

func (h *harness) balance(t *testing.T, owner, token string) uint64 {
	t.Helper()
	b, err := h.store.Balance(context.Background(), owner, token)
	require.NoError(t, err)
	return b.Uint64()
}

// run drives s synchronously the way the executor does, minus concurrency.
func (h *harness) run(s saga.Saga) (saga.Result, error) {
	ctx := context.Background()
	step, err := s.Start(ctx, h.env)
	for err == nil {
		if step.Checkpoint != nil {
			if err := h.store.SaveCheckpoint(ctx, *step.Checkpoint); err != nil {
				return saga.Result{}, err
			}
		}
		if step.Done {
			return step.Result, h.store.Apply(ctx, *step.Settlement)
		}
		v, callErr := step.Call.Run(ctx)
		step, err = s.Resume(ctx, h.env, saga.Outcome{Value: v, Err: callErr})
	}
	return saga.Result{}, err
}

func (h *harness) create(t *testing.T, amount uint64, leverage string) domain.Order {
	t.Helper()
	res, err := h.run(saga.NewCreate(saga.CreateRequest{
		Owner:     "alice",
		SellToken: "usdt",
		BuyToken:  "wnear",
		Type:      domain.OrderTypeBuy,
		Amount:    *uint256.NewInt(amount),
		Leverage:  dec(leverage),
	}))
	require.NoError(t, err)
	return res.Order
}

func sagaErr(t *testing.T, err error) *domain.SagaError {
	t.Helper()
	var se *domain.SagaError
	require.True(t, errors.As(err, &se), "want SagaError, got %v", err)
	return se
}

func TestCreateLeveragedOrder(t *testing.T) {
	h := newHarness(t, "1.01", "4.22")

	order := h.create(t, 1000, "2")

	assert.Equal(t, uint64(1), order.ID)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, uint64(239), order.BorrowAmount.Uint64())
	assert.Equal(t, uint64(100), order.Block)
	assert.Equal(t, "1.01", order.SellTokenPrice.String())
	assert.NotEmpty(t, order.PositionHandle)
	assert.Equal(t, []string{"view_market_data", "borrow"}, h.lending.Calls)

	require.Len(t, h.amm.AddParams, 1)
	add := h.amm.AddParams[0]
	assert.Equal(t, int32(120), add.LeftPoint)
	assert.Equal(t, int32(160), add.RightPoint)
	assert.Equal(t, uint64(2000), add.AmountX.Uint64())
	assert.Equal(t, uint64(1980), add.MinAmountX.Uint64())
	assert.True(t, add.AmountY.IsZero())

	assert.Equal(t, uint64(4000), h.balance(t, "alice", "usdt"))
	stored, err := h.store.Get(context.Background(), "alice", order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.PositionHandle, stored.PositionHandle)
}

func TestCreateUnleveragedSkipsLending(t *testing.T) {
	h := newHarness(t, "1", "2")

	order := h.create(t, 300, "1")

	assert.True(t, order.BorrowAmount.IsZero())
	assert.Empty(t, h.lending.Calls)
	assert.Equal(t, uint64(4700), h.balance(t, "alice", "usdt"))
}

func TestCreateRangeForTokenY(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.amm.Pool.TokenX, h.amm.Pool.TokenY = "wnear", "usdt"
	h.amm.Pool.CurrentPoint = -90

	h.create(t, 100, "1")

	add := h.amm.AddParams[0]
	assert.Equal(t, int32(-160), add.LeftPoint)
	assert.Equal(t, int32(-120), add.RightPoint)
	assert.Equal(t, uint64(100), add.AmountY.Uint64())
}

func TestCreatePreconditions(t *testing.T) {
	tests := []struct {
		name string
		req  saga.CreateRequest
		want error
	}{
		{"zero amount", saga.CreateRequest{Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy, Leverage: dec("1")}, domain.ErrInvalidOrder},
		{"leverage below one", saga.CreateRequest{Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy, Amount: *uint256.NewInt(1), Leverage: dec("0.5")}, domain.ErrInvalidOrder},
		{"leverage above max", saga.CreateRequest{Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy, Amount: *uint256.NewInt(1), Leverage: dec("6")}, domain.ErrInvalidOrder},
		{"unknown pair", saga.CreateRequest{Owner: "alice", SellToken: "wnear", BuyToken: "usdt", Type: domain.OrderTypeSell, Amount: *uint256.NewInt(1), Leverage: dec("1")}, domain.ErrUnsupportedPair},
		{"insufficient balance", saga.CreateRequest{Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy, Amount: *uint256.NewInt(5001), Leverage: dec("1")}, domain.ErrInsufficientBalance},
		{"no balance", saga.CreateRequest{Owner: "carol", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy, Amount: *uint256.NewInt(1), Leverage: dec("1")}, domain.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "1", "2")
			_, err := h.run(saga.NewCreate(tt.req))
			require.ErrorIs(t, err, tt.want)
			se := sagaErr(t, err)
			assert.Equal(t, saga.StepValidate, se.Step)
			assert.False(t, se.Reconcile)
			assert.True(t, domain.IsPrecondition(err))
			assert.Empty(t, h.amm.Calls)
		})
	}
}

func TestCreateRespectsReservations(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.env.Reserved = func(owner, token string) *uint256.Int {
		return uint256.NewInt(4500)
	}
	_, err := h.run(saga.NewCreate(saga.CreateRequest{
		Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy,
		Amount: *uint256.NewInt(501), Leverage: dec("1"),
	}))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestCreateMissingPrice(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.setPrices(t, "1", "0")
	_, err := h.run(saga.NewCreate(saga.CreateRequest{
		Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy,
		Amount: *uint256.NewInt(1), Leverage: dec("1"),
	}))
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestCreateBorrowFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.lending.ErrBorrow = domain.ErrExternalCall

	_, err := h.run(saga.NewCreate(saga.CreateRequest{
		Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy,
		Amount: *uint256.NewInt(1000), Leverage: dec("2"),
	}))

	se := sagaErr(t, err)
	assert.Equal(t, saga.StepBorrow, se.Step)
	assert.False(t, se.Reconcile)
	assert.Equal(t, uint64(5000), h.balance(t, "alice", "usdt"))
	assert.Empty(t, h.amm.Calls)
	orders, err := h.store.ListByUser(context.Background(), "alice", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateMarketTooThin(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.lending.Market.TotalSupplies.SetUint64(100)

	_, err := h.run(saga.NewCreate(saga.CreateRequest{
		Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy,
		Amount: *uint256.NewInt(1000), Leverage: dec("2"),
	}))
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	assert.Equal(t, saga.StepViewMarketData, sagaErr(t, err).Step)
	assert.Equal(t, []string{"view_market_data"}, h.lending.Calls)
}

func TestCreateAMMFailureAfterBorrow(t *testing.T) {
	req := saga.CreateRequest{
		Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy,
		Amount: *uint256.NewInt(1000), Leverage: dec("2"),
	}

	t.Run("reported for reconciliation", func(t *testing.T) {
		h := newHarness(t, "1", "2")
		h.amm.ErrAdd = domain.ErrExternalCall

		_, err := h.run(saga.NewCreate(req))
		se := sagaErr(t, err)
		assert.Equal(t, saga.StepAddLiquidity, se.Step)
		assert.True(t, se.Reconcile)
		assert.Contains(t, err.Error(), "unreconciled")
		assert.Equal(t, uint64(5000), h.balance(t, "alice", "usdt"))
	})

	t.Run("compensated by repay", func(t *testing.T) {
		h := newHarness(t, "1", "2")
		h.env.Config.CompensateBorrow = true
		h.amm.ErrAdd = domain.ErrExternalCall

		_, err := h.run(saga.NewCreate(req))
		se := sagaErr(t, err)
		assert.Equal(t, saga.StepAddLiquidity, se.Step)
		assert.False(t, se.Reconcile)
		assert.Equal(t, uint64(500), h.lending.Repaid.Uint64())
	})

	t.Run("failed compensation", func(t *testing.T) {
		h := newHarness(t, "1", "2")
		h.env.Config.CompensateBorrow = true
		h.amm.Pool.State = domain.PoolStatePaused
		h.lending.ErrRepay = domain.ErrExternalCall

		_, err := h.run(saga.NewCreate(req))
		assert.ErrorIs(t, err, domain.ErrPoolNotTradeable)
		se := sagaErr(t, err)
		assert.Equal(t, saga.StepGetPool, se.Step)
		assert.True(t, se.Reconcile)
	})
}

func TestCreatePartialBorrow(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.lending.Granted = uint256.NewInt(400)

	_, err := h.run(saga.NewCreate(saga.CreateRequest{
		Owner: "alice", SellToken: "usdt", BuyToken: "wnear", Type: domain.OrderTypeBuy,
		Amount: *uint256.NewInt(1000), Leverage: dec("2"),
	}))
	se := sagaErr(t, err)
	assert.Equal(t, saga.StepBorrow, se.Step)
	assert.True(t, se.Reconcile)
}

func removedBuySide(amount uint64) *domain.RemovedLiquidity {
	r := &domain.RemovedLiquidity{}
	r.AmountY.SetUint64(amount)
	return r
}

func TestCancelProfitable(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "2") // borrows 500 wnear
	h.setPrices(t, "1", "2.5")
	h.amm.Removed = removedBuySide(1000)
	h.amm.SwapOut = uint256.NewInt(2500)

	res, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	require.NoError(t, err)

	require.NotNil(t, res.PnL)
	assert.True(t, res.PnL.IsProfit)
	assert.Equal(t, "450.0", res.PnL.Amount.String())
	assert.Equal(t, domain.OrderStatusCanceled, res.Order.Status)
	assert.NotNil(t, res.Order.ClosedAt)

	require.Len(t, h.amm.Swaps, 1)
	assert.Equal(t, uint64(2475), h.amm.Swaps[0].MinAmountOut.Uint64())
	assert.Equal(t, "wnear", h.amm.Swaps[0].TokenIn)

	// 2500 received - 1250 principal - 50 protocol share
	assert.Equal(t, uint64(4000+1200), h.balance(t, "alice", "usdt"))
	profit, err := h.store.Profit(context.Background(), "usdt")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), profit.Uint64())

	_, err = h.store.GetCheckpoint(context.Background(), order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelTwiceRejectsSecond(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "1")

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	require.NoError(t, err)
	after := h.balance(t, "alice", "usdt")

	_, err = h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	assert.ErrorIs(t, err, domain.ErrOrderTerminal)
	assert.Contains(t, err.Error(), "order not pending/already terminal")
	assert.Equal(t, after, h.balance(t, "alice", "usdt"))
}

func TestCancelWrongOwner(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "1")

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "mallory"}))
	assert.ErrorIs(t, err, domain.ErrWrongOwner)
	assert.Equal(t, 1, h.amm.Count("get_pool"), "only the create touched the pool")
}

func TestCancelUnknownOrder(t *testing.T) {
	h := newHarness(t, "1", "2")
	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: 42, Caller: "alice"}))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClosePoolPaused(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "1")
	h.amm.Pool.State = domain.PoolStatePaused

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	assert.ErrorIs(t, err, domain.ErrPoolNotTradeable)

	stored, err := h.store.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
}

func TestCloseInsufficientPoolLiquidity(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "1")
	h.amm.Pool.Liquidity.SetUint64(10)

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	assert.Equal(t, saga.StepGetLiquidity, sagaErr(t, err).Step)
	assert.Zero(t, h.amm.Count("remove_liquidity"))
}

func TestCancelResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "2")
	h.amm.Removed = removedBuySide(1000)
	h.amm.SwapOut = uint256.NewInt(2000)
	h.amm.ErrSwap = domain.ErrExternalCall

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	assert.Equal(t, saga.StepSwap, sagaErr(t, err).Step)

	cp, err := h.store.GetCheckpoint(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageLiquidityRemoved, cp.Stage)
	assert.Equal(t, uint64(1000), cp.RemovedY.Uint64())

	_, err = h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	require.NoError(t, err)
	assert.Equal(t, 1, h.amm.Count("remove_liquidity"))
	assert.Equal(t, 2, h.amm.Count("swap"))
	// 2000 received - 1000 principal, no profit at unchanged prices
	assert.Equal(t, uint64(4000+1000), h.balance(t, "alice", "usdt"))
}

func TestCancelResumesAfterSwap(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "2")
	h.amm.Removed = removedBuySide(1000)
	h.amm.SwapOut = uint256.NewInt(2000)
	h.lending.ErrView = domain.ErrExternalCall

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	assert.Equal(t, saga.StepViewMarketData, sagaErr(t, err).Step)
	cp, err := h.store.GetCheckpoint(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageSwapped, cp.Stage)
	assert.Equal(t, uint64(2000), cp.SwapOut.Uint64())

	_, err = h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	require.NoError(t, err)
	assert.Equal(t, 1, h.amm.Count("swap"))
}

func TestLiquidateNotEligible(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "2")
	require.NoError(t, h.store.PutMarketData(context.Background(), h.lending.Market))
	h.setPrices(t, "1", "2.5")

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaLiquidate, OrderID: order.ID, Caller: "bob"}))
	assert.ErrorIs(t, err, domain.ErrNotEligible)
	assert.Equal(t, saga.StepValidate, sagaErr(t, err).Step)
	assert.Equal(t, 1, h.amm.Count("get_pool"))
}

func TestLiquidateCapsCallerFees(t *testing.T) {
	for _, stored := range []bool{true, false} {
		h := newHarness(t, "1", "2")
		order := h.create(t, 1000, "2")
		if stored {
			require.NoError(t, h.store.PutMarketData(context.Background(), h.lending.Market))
		}
		h.setPrices(t, "1", "2.5")
		h.amm.Removed = removedBuySide(1000)
		h.amm.SwapOut = uint256.NewInt(2500)

		inflated := dec("0.9")
		_, err := h.run(saga.NewClose(saga.CloseRequest{
			Kind:    domain.SagaLiquidate,
			OrderID: order.ID,
			Caller:  "bob",
			Fees:    saga.FeeOverrides{SwapFee: &inflated, PriceImpact: &inflated},
		}))
		require.ErrorIs(t, err, domain.ErrNotEligible, "stored market data: %v", stored)

		got, err := h.store.GetByID(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPending, got.Status)
		assert.Zero(t, h.balance(t, "bob", "usdt"))
	}
}

func TestLiquidateEligibilityRecheckedAfterUnwind(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "2")
	h.setPrices(t, "1", "2.5") // no stored market data: pre-check deferred

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaLiquidate, OrderID: order.ID, Caller: "bob"}))
	assert.ErrorIs(t, err, domain.ErrNotEligible)
	assert.Equal(t, saga.StepEligibility, sagaErr(t, err).Step)

	stored, err := h.store.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Equal(t, uint64(4000), h.balance(t, "alice", "usdt"))
}

func TestLiquidateLosingOrder(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.env.Config.LiquidationIncentive = dec("0.05")
	order := h.create(t, 1000, "2")
	require.NoError(t, h.store.PutMarketData(context.Background(), h.lending.Market))
	h.setPrices(t, "1", "1")
	h.amm.Removed = removedBuySide(1000)
	h.amm.SwapOut = uint256.NewInt(1000)

	res, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaLiquidate, OrderID: order.ID, Caller: "bob"}))
	require.NoError(t, err)

	assert.False(t, res.PnL.IsProfit)
	assert.Equal(t, "900.0", res.PnL.Amount.String())
	assert.Equal(t, domain.OrderStatusLiquidated, res.Order.Status)
	// 1000 received - 500 principal, 5% to the liquidator
	assert.Equal(t, uint64(25), h.balance(t, "bob", "usdt"))
	assert.Equal(t, uint64(4000+475), h.balance(t, "alice", "usdt"))
}

func TestExecutePaysOwnerAndCaller(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.env.Config.RewardToken = "wnear"
	h.env.Config.TreasuryAccount = "treasury"
	h.env.Config.RewardPerCall.SetUint64(2)
	_, err := h.store.Increase(context.Background(), "treasury", "wnear", uint256.NewInt(100))
	require.NoError(t, err)

	order := h.create(t, 1000, "2")
	h.amm.Removed = removedBuySide(1000)

	res, err := h.run(saga.NewExecute(saga.ExecuteRequest{OrderID: order.ID, Caller: "bob"}))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusExecuted, res.Order.Status)
	assert.Equal(t, 3, res.Calls)
	require.NotNil(t, res.Reward)
	assert.Equal(t, uint64(6), res.Reward.Uint64())
	assert.Equal(t, uint64(500), h.balance(t, "alice", "wnear"))
	assert.Equal(t, uint64(6), h.balance(t, "bob", "wnear"))
	assert.Equal(t, uint64(94), h.balance(t, "treasury", "wnear"))

	require.Len(t, h.amm.RemoveParams, 1)
	assert.True(t, h.amm.RemoveParams[0].MinAmountX.IsZero())
	assert.True(t, h.amm.RemoveParams[0].MinAmountY.IsZero())
}

func TestExecuteEmptyTreasurySkipsReward(t *testing.T) {
	h := newHarness(t, "1", "2")
	h.env.Config.RewardToken = "wnear"
	h.env.Config.TreasuryAccount = "treasury"
	h.env.Config.RewardPerCall.SetUint64(2)
	order := h.create(t, 1000, "1")

	res, err := h.run(saga.NewExecute(saga.ExecuteRequest{OrderID: order.ID, Caller: "bob"}))
	require.NoError(t, err)
	assert.True(t, res.Reward.IsZero())
	assert.Zero(t, h.balance(t, "bob", "wnear"))
	assert.Equal(t, uint64(4000+1000), h.balance(t, "alice", "usdt"))
}

func TestExecuteTerminalOrder(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "1")
	_, err := h.run(saga.NewExecute(saga.ExecuteRequest{OrderID: order.ID, Caller: "bob"}))
	require.NoError(t, err)

	_, err = h.run(saga.NewExecute(saga.ExecuteRequest{OrderID: order.ID, Caller: "bob"}))
	assert.ErrorIs(t, err, domain.ErrOrderTerminal)
	_, err = h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaLiquidate, OrderID: order.ID, Caller: "bob"}))
	assert.ErrorIs(t, err, domain.ErrOrderTerminal)
}

func TestExecuteRefusesPartiallyClosedOrder(t *testing.T) {
	h := newHarness(t, "1", "2")
	order := h.create(t, 1000, "2")
	h.amm.Removed = removedBuySide(1000)
	h.amm.SwapOut = uint256.NewInt(2000)
	h.lending.ErrView = domain.ErrExternalCall

	_, err := h.run(saga.NewClose(saga.CloseRequest{Kind: domain.SagaCancel, OrderID: order.ID, Caller: "alice"}))
	require.Equal(t, saga.StepViewMarketData, sagaErr(t, err).Step)

	_, err = h.run(saga.NewExecute(saga.ExecuteRequest{OrderID: order.ID, Caller: "bob"}))
	assert.ErrorIs(t, err, domain.ErrSagaInFlight)
	assert.Equal(t, saga.StepValidate, sagaErr(t, err).Step)

	cp, err := h.store.GetCheckpoint(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), cp.SwapOut.Uint64())
	assert.Equal(t, 1, h.amm.Count("remove_liquidity"))
}

func TestClockBlocks(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := saga.ClockBlocks{Genesis: genesis, Interval: time.Second, Now: func() time.Time { return genesis.Add(90 * time.Second) }}
	assert.Equal(t, uint64(90), b.CurrentBlock())

	b.Now = func() time.Time { return genesis.Add(-time.Hour) }
	assert.Zero(t, b.CurrentBlock())
}
