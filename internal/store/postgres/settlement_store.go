package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

var _ domain.SettlementStore = (*SettlementStore)(nil)

// SettlementStore applies saga settlements in a single transaction.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Apply writes the order, balance movements, profits and checkpoint removal
// of st, or none of them. Credits are applied before debits so a settlement
// may debit what it just credited.
func (s *SettlementStore) Apply(ctx context.Context, st domain.Settlement) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if st.Insert {
			if err := insertOrder(ctx, tx, st.Order); err != nil {
				return err
			}
		} else {
			existing, err := getOrder(ctx, tx, st.Order.ID, true)
			if err != nil {
				return err
			}
			if existing.Status != domain.OrderStatusPending {
				return fmt.Errorf("postgres: order %d (%s): %w", existing.ID, existing.Status, domain.ErrOrderTerminal)
			}
			if err := updateOrder(ctx, tx, st.Order); err != nil {
				return err
			}
		}

		for _, c := range st.Credits {
			if _, err := credit(ctx, tx, c.Owner, c.Token, &c.Amount); err != nil {
				return err
			}
		}
		for _, d := range st.Debits {
			if _, err := debit(ctx, tx, d.Owner, d.Token, &d.Amount); err != nil {
				return err
			}
		}
		for _, p := range st.Profits {
			if err := addProfit(ctx, tx, p.Token, &p.Amount); err != nil {
				return err
			}
		}
		if st.ClearCheckpoint {
			return deleteCheckpoint(ctx, tx, st.Order.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: settle order %d: %w", st.Order.ID, err)
	}
	return nil
}
