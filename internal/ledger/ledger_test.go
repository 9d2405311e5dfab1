package ledger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/store/memory"
)

func newLedger() *ledger.Ledger {
	return ledger.New(memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestIncreaseThenDecreaseRestores(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	_, err := l.Increase(ctx, "alice", "usdt", uint256.NewInt(500))
	require.NoError(t, err)

	for _, x := range []uint64{1, 77, 500, 1 << 40} {
		before, err := l.Balance(ctx, "alice", "usdt")
		require.NoError(t, err)

		_, err = l.Increase(ctx, "alice", "usdt", uint256.NewInt(x))
		require.NoError(t, err)
		_, err = l.Decrease(ctx, "alice", "usdt", uint256.NewInt(x))
		require.NoError(t, err)

		after, err := l.Balance(ctx, "alice", "usdt")
		require.NoError(t, err)
		assert.Equal(t, before.Dec(), after.Dec())
	}
}

func TestDecreaseOnZeroFails(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	for _, x := range []uint64{0, 1, 1000} {
		_, err := l.Decrease(ctx, "bob", "wnear", uint256.NewInt(x))
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance, "amount %d", x)
	}
}

func TestDecreaseBeyondBalanceFails(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	_, err := l.Increase(ctx, "bob", "wnear", uint256.NewInt(10))
	require.NoError(t, err)
	_, err = l.Decrease(ctx, "bob", "wnear", uint256.NewInt(11))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	bal, err := l.Balance(ctx, "bob", "wnear")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bal.Uint64(), "failed debit leaves balance untouched")
}

func TestAmountRange(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	tooBig := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	_, err := l.Increase(ctx, "carol", "usdt", tooBig)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	max128 := new(uint256.Int).Sub(tooBig, uint256.NewInt(1))
	_, err = l.Increase(ctx, "carol", "usdt", max128)
	require.NoError(t, err)
	_, err = l.Increase(ctx, "carol", "usdt", uint256.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	bal, err := l.Balance(ctx, "carol", "usdt")
	require.NoError(t, err)
	assert.Equal(t, max128.Dec(), bal.Dec())
}

func TestAvailable(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	_, err := l.Increase(ctx, "dan", "usdt", uint256.NewInt(100))
	require.NoError(t, err)

	avail, err := l.Available(ctx, "dan", "usdt", uint256.NewInt(30))
	require.NoError(t, err)
	assert.Equal(t, uint64(70), avail.Uint64())

	avail, err = l.Available(ctx, "dan", "usdt", uint256.NewInt(300))
	require.NoError(t, err)
	assert.True(t, avail.IsZero())
}
