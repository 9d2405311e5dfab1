// Package ledger implements the per-user, per-token balance primitives on top
// of a domain.BalanceStore.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// maxAmountBits bounds every balance and movement to the 128-bit token range.
const maxAmountBits = 128

// Ledger validates balance movements and delegates storage.
type Ledger struct {
	store  domain.BalanceStore
	logger *slog.Logger
}

// New creates a Ledger.
func New(store domain.BalanceStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// CheckAmount rejects amounts outside the token range.
func CheckAmount(amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("ledger: nil amount: %w", domain.ErrInvalidOrder)
	}
	if amount.BitLen() > maxAmountBits {
		return fmt.Errorf("ledger: amount %s exceeds 128 bits: %w", amount.Dec(), domain.ErrInvalidOrder)
	}
	return nil
}

// Balance returns the current balance, zero if the user never held token.
func (l *Ledger) Balance(ctx context.Context, owner, token string) (*uint256.Int, error) {
	bal, err := l.store.Balance(ctx, owner, token)
	if err != nil {
		return nil, fmt.Errorf("ledger: balance %s/%s: %w", owner, token, err)
	}
	return bal, nil
}

// Increase credits amount.
func (l *Ledger) Increase(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	if err := CheckAmount(amount); err != nil {
		return nil, err
	}
	bal, err := l.store.Increase(ctx, owner, token, amount)
	if err != nil {
		return nil, fmt.Errorf("ledger: increase %s/%s: %w", owner, token, err)
	}
	if bal.BitLen() > maxAmountBits {
		// Undo; the store accepted a credit the token range cannot represent.
		if _, rerr := l.store.Decrease(ctx, owner, token, amount); rerr != nil {
			l.logger.ErrorContext(ctx, "failed to undo overflowing credit",
				slog.String("owner", owner),
				slog.String("token", token),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, fmt.Errorf("ledger: increase %s/%s overflows 128 bits: %w", owner, token, domain.ErrInvalidOrder)
	}
	l.logger.DebugContext(ctx, "balance increased",
		slog.String("owner", owner),
		slog.String("token", token),
		slog.String("amount", amount.Dec()),
		slog.String("balance", bal.Dec()),
	)
	return bal, nil
}

// Decrease debits amount, failing with domain.ErrInsufficientBalance when the
// balance is smaller. A zero debit against a zero balance also fails.
func (l *Ledger) Decrease(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	if err := CheckAmount(amount); err != nil {
		return nil, err
	}
	bal, err := l.store.Decrease(ctx, owner, token, amount)
	if err != nil {
		return nil, fmt.Errorf("ledger: decrease %s/%s: %w", owner, token, err)
	}
	l.logger.DebugContext(ctx, "balance decreased",
		slog.String("owner", owner),
		slog.String("token", token),
		slog.String("amount", amount.Dec()),
		slog.String("balance", bal.Dec()),
	)
	return bal, nil
}

// Available returns balance minus reserved, saturating at zero.
func (l *Ledger) Available(ctx context.Context, owner, token string, reserved *uint256.Int) (*uint256.Int, error) {
	bal, err := l.Balance(ctx, owner, token)
	if err != nil {
		return nil, err
	}
	if reserved == nil {
		return bal, nil
	}
	out, underflow := new(uint256.Int).SubOverflow(bal, reserved)
	if underflow {
		return new(uint256.Int), nil
	}
	return out, nil
}

// CanDebit reports whether balance covers amount under the ledger's rules.
func CanDebit(balance, amount *uint256.Int) bool {
	if balance.IsZero() {
		return false
	}
	return !amount.Gt(balance)
}
