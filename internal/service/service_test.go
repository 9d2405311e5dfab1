package service

import (
	"context"
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

type stubSubmitter struct {
	got []saga.Saga
	res saga.Result
	err error
}

func (s *stubSubmitter) Submit(_ context.Context, sg saga.Saga) (saga.Result, error) {
	s.got = append(s.got, sg)
	return s.res, s.err
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyLimiter) Wait(context.Context, string) error                         { return nil }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seeded(t *testing.T) (*memory.Store, *MarketService) {
	t.Helper()
	store := memory.New()
	markets := NewMarketService(store, store, store, sagatest.NewLending("wnear"), nil, store, nil, discard())
	_, err := markets.AddPair(context.Background(), domain.TradePair{
		SellTicker: "USDT", SellToken: "usdt", SellMarket: "usdt.market",
		BuyTicker: "WNEAR", BuyToken: "wnear", BuyMarket: "wnear.market",
		PoolID: "pool",
	})
	require.NoError(t, err)
	return store, markets
}

func TestAddPairDerivesID(t *testing.T) {
	_, markets := seeded(t)
	p, err := markets.GetPair(context.Background(), "usdt/wnear")
	require.NoError(t, err)
	assert.Equal(t, "pool", p.PoolID)

	_, err = markets.AddPair(context.Background(), domain.TradePair{SellToken: "a", BuyToken: "a", PoolID: "p"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestOracleHookMapsTickers(t *testing.T) {
	store, markets := seeded(t)
	ctx := context.Background()

	n, unknown, err := markets.UpdatePrices(ctx, []domain.TickerPrice{
		{Ticker: "USDT", Price: decimal.MustFromString("1.01")},
		{Ticker: "WNEAR", Price: decimal.MustFromString("4.22")},
		{Ticker: "DOGE", Price: decimal.MustFromString("0.1")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"DOGE"}, unknown)

	p, err := store.GetPrice(ctx, "wnear")
	require.NoError(t, err)
	assert.Equal(t, "4.22", p.Value.String())
	assert.Equal(t, "WNEAR", p.Ticker)
}

func TestRefreshMarketStoresSnapshot(t *testing.T) {
	store, markets := seeded(t)
	ctx := context.Background()

	ok, failed := markets.RefreshAll(ctx)
	assert.Equal(t, 1, ok)
	assert.Zero(t, failed)

	md, err := store.GetMarketData(ctx, "wnear")
	require.NoError(t, err)
	assert.Equal(t, "wnear", md.Token)

	_, err = markets.RefreshMarket(ctx, "doge")
	assert.ErrorIs(t, err, domain.ErrUnsupportedToken)
}

func TestDepositOnlySupportedTokens(t *testing.T) {
	store, markets := seeded(t)
	accounts := NewAccountService(ledger.New(store, discard()), markets, nil, store, discard())
	ctx := context.Background()

	bal, err := accounts.Deposit(ctx, "alice", "usdt", uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal.Uint64())

	_, err = accounts.Deposit(ctx, "alice", "doge", uint256.NewInt(100))
	assert.ErrorIs(t, err, domain.ErrUnsupportedToken)
	_, err = accounts.Deposit(ctx, "alice", "usdt", uint256.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestWithdrawKeepsReservedFunds(t *testing.T) {
	store, markets := seeded(t)
	reserved := func(owner, token string) *uint256.Int { return uint256.NewInt(60) }
	accounts := NewAccountService(ledger.New(store, discard()), markets, reserved, store, discard())
	ctx := context.Background()

	_, err := accounts.Deposit(ctx, "alice", "usdt", uint256.NewInt(100))
	require.NoError(t, err)

	_, err = accounts.Withdraw(ctx, "alice", "usdt", uint256.NewInt(41))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	bal, err := accounts.Withdraw(ctx, "alice", "usdt", uint256.NewInt(40))
	require.NoError(t, err)
	assert.Equal(t, uint64(60), bal.Uint64())
}

func openOrder(t *testing.T, store *memory.Store) domain.Order {
	t.Helper()
	o := domain.Order{
		ID:             1,
		Owner:          "alice",
		PairID:         "usdt/wnear",
		Status:         domain.OrderStatusPending,
		Type:           domain.OrderTypeBuy,
		SellToken:      "usdt",
		BuyToken:       "wnear",
		Leverage:       decimal.MustFromString("2"),
		SellTokenPrice: decimal.MustFromString("1"),
		BuyTokenPrice:  decimal.MustFromString("2"),
		Block:          1,
		PositionHandle: "pool#1",
	}
	o.Amount.SetUint64(1000)
	o.BorrowAmount.SetUint64(500)
	require.NoError(t, store.Apply(context.Background(), domain.Settlement{Order: o, Insert: true}))
	return o
}

func newOrderService(store *memory.Store, sub Submitter) *OrderService {
	cfg := saga.Config{
		ProtocolFee:          decimal.MustFromString("0.1"),
		LiquidationThreshold: decimal.MustFromString("0.8"),
	}
	return NewOrderService(sub, store, store, store, store, fixedBlock(1), cfg, FeeSchedule{TotalBps: 30, ReferralBps: 10}, discard())
}

func TestOrderView(t *testing.T) {
	store, markets := seeded(t)
	ctx := context.Background()
	openOrder(t, store)
	_, _, err := markets.UpdatePrices(ctx, []domain.TickerPrice{{Ticker: "WNEAR", Price: decimal.MustFromString("2.5")}})
	require.NoError(t, err)
	_, err = markets.RefreshMarket(ctx, "wnear")
	require.NoError(t, err)

	v, err := newOrderService(store, &stubSubmitter{}).View(ctx, 1, saga.FeeOverrides{})
	require.NoError(t, err)

	require.NotNil(t, v.PnL)
	assert.True(t, v.PnL.IsProfit)
	assert.Equal(t, "450.0", v.PnL.Amount.String())
	require.NotNil(t, v.LiquidationPrice)
	assert.Equal(t, "1.05", v.LiquidationPrice.String())
	assert.False(t, v.Liquidatable)
	assert.Equal(t, FeeView{Total: "3", Exchange: "2", Referral: "1"}, v.Fee)
	assert.Empty(t, v.Notes)
}

func TestOrderViewWithoutRateOmitsFigures(t *testing.T) {
	store, _ := seeded(t)
	openOrder(t, store)

	v, err := newOrderService(store, &stubSubmitter{}).View(context.Background(), 1, saga.FeeOverrides{})
	require.NoError(t, err)
	assert.Nil(t, v.PnL)
	assert.Nil(t, v.LiquidationPrice)
	assert.NotEmpty(t, v.Notes)
}

func TestOrderOperationsBuildSagas(t *testing.T) {
	store, _ := seeded(t)
	sub := &stubSubmitter{}
	svc := newOrderService(store, sub)
	ctx := context.Background()

	_, err := svc.Cancel(ctx, 7, "alice", saga.FeeOverrides{})
	require.NoError(t, err)
	_, err = svc.Liquidate(ctx, 7, "bob", saga.FeeOverrides{})
	require.NoError(t, err)
	_, err = svc.Execute(ctx, 7, "bob")
	require.NoError(t, err)

	require.Len(t, sub.got, 3)
	assert.Equal(t, domain.SagaCancel, sub.got[0].Kind())
	assert.Equal(t, domain.SagaLiquidate, sub.got[1].Kind())
	assert.Equal(t, domain.SagaExecute, sub.got[2].Kind())
	assert.Equal(t, uint64(7), sub.got[2].OrderID())
}

func TestOrderRateLimit(t *testing.T) {
	store, _ := seeded(t)
	sub := &stubSubmitter{}
	svc := newOrderService(store, sub).WithRateLimit(denyLimiter{}, RateLimit{Limit: 1, Window: time.Second})

	_, err := svc.Execute(context.Background(), 1, "bob")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, sub.got)
}

func TestProfitReset(t *testing.T) {
	store, _ := seeded(t)
	ctx := context.Background()
	o := openOrder(t, store)
	o.Status = domain.OrderStatusCanceled
	require.NoError(t, store.Apply(ctx, domain.Settlement{
		Order:   o,
		Profits: []domain.ProfitDelta{{Token: "usdt", Amount: *uint256.NewInt(50)}},
	}))

	profits := NewProfitService(store, store, discard())
	all, err := profits.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), all["usdt"].Uint64())

	require.NoError(t, profits.Reset(ctx, "usdt"))
	p, err := store.Profit(ctx, "usdt")
	require.NoError(t, err)
	assert.True(t, p.IsZero())
}
