package app

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

	"github.com/alanyoungcy/marginbot/internal/config"
	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/saga"
)

func testApp(t *testing.T) (*App, *Dependencies) {
	t.Helper()
	cfg := config.Defaults()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps, cleanup, err := Wire(context.Background(), &cfg, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return New(&cfg, logger), deps
}

func TestSagaConfig(t *testing.T) {
	e := config.Defaults().Engine
	e.RewardToken = "usdc"
	e.RewardPerCall = "250"

	sc, err := sagaConfig(e)
	require.NoError(t, err)
	assert.Equal(t, "5.0", sc.MaxLeverage.String())
	assert.Equal(t, "0.8", sc.LiquidationThreshold.String())
	assert.Equal(t, uint64(250), sc.RewardPerCall.Uint64())
	assert.Equal(t, "treasury", sc.TreasuryAccount)

	e.RewardPerCall = "-1"
	_, err = sagaConfig(e)
	assert.Error(t, err)
}

func TestWireInMemory(t *testing.T) {
	_, deps := testApp(t)

	assert.NotNil(t, deps.Orders)
	assert.NotNil(t, deps.ClosedOrders)
	assert.NotNil(t, deps.Settlement)
	assert.NotNil(t, deps.AMM)
	assert.NotNil(t, deps.Lending)
	assert.NotNil(t, deps.Notifier)
	assert.NotNil(t, deps.Metrics)

	assert.Nil(t, deps.Bus)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.Limiter)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Health)
}

func TestWireRejectsBadKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.Account.PrivateKey = "not-hex"
	_, _, err := Wire(context.Background(), &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "wire: amm")
}

func TestOrdersUnavailableUntilExecutorRuns(t *testing.T) {
	a, deps := testApp(t)
	ctx := context.Background()

	eng, err := a.buildEngine(deps)
	require.NoError(t, err)

	_, err = eng.markets.AddPair(ctx, domain.TradePair{SellToken: "usdc", BuyToken: "weth", PoolID: "7"})
	require.NoError(t, err)

	// Transfers and views do not need the executor.
	bal, err := eng.accounts.Deposit(ctx, "alice", "usdc", uint256.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal.Uint64())

	_, err = eng.orders.Create(ctx, saga.CreateRequest{
		Owner: "alice", SellToken: "usdc", BuyToken: "weth",
		Type: domain.OrderTypeBuy, Amount: *uint256.NewInt(100), Leverage: decimal.MustFromString("2"),
	})
	require.ErrorIs(t, err, domain.ErrUnavailable)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.exec.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, err := eng.orders.Cancel(ctx, 42, "alice", saga.FeeOverrides{})
		return errors.Is(err, domain.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIgnoreCancel(t *testing.T) {
	assert.NoError(t, ignoreCancel(context.Canceled))
	assert.NoError(t, ignoreCancel(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, ignoreCancel(boom), boom)
}
