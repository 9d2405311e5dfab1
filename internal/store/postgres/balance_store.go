package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

var (
	_ domain.BalanceStore = (*BalanceStore)(nil)
	_ domain.ProfitStore  = (*ProfitStore)(nil)
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Balance returns zero for an owner that never held token.
func (s *BalanceStore) Balance(ctx context.Context, owner, token string) (*uint256.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE owner = $1 AND token = $2`, owner, token,
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: balance %s/%s: %w", owner, token, err)
	}
	v, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BalanceStore) Increase(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	return credit(ctx, s.pool, owner, token, amount)
}

func (s *BalanceStore) Decrease(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	return debit(ctx, s.pool, owner, token, amount)
}

func credit(ctx context.Context, q querier, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	const query = `
		INSERT INTO balances (owner, token, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (owner, token) DO UPDATE
			SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()
		RETURNING amount::text`
	var out string
	if err := q.QueryRow(ctx, query, owner, token, amount.Dec()).Scan(&out); err != nil {
		return nil, fmt.Errorf("postgres: credit %s to %s/%s: %w", amount.Dec(), owner, token, err)
	}
	v, err := parseAmount(out)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// debit follows ledger.CanDebit: an empty balance cannot be debited, not even
// by zero.
func debit(ctx context.Context, q querier, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	const query = `
		UPDATE balances SET amount = amount - $3::numeric, updated_at = NOW()
		WHERE owner = $1 AND token = $2 AND amount > 0 AND amount >= $3::numeric
		RETURNING amount::text`
	var out string
	err := q.QueryRow(ctx, query, owner, token, amount.Dec()).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: debit %s of %s/%s: %w", amount.Dec(), owner, token, domain.ErrInsufficientBalance)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: debit %s of %s/%s: %w", amount.Dec(), owner, token, err)
	}
	v, err := parseAmount(out)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ProfitStore implements domain.ProfitStore using PostgreSQL.
type ProfitStore struct {
	pool *pgxpool.Pool
}

// NewProfitStore creates a new ProfitStore backed by the given connection pool.
func NewProfitStore(pool *pgxpool.Pool) *ProfitStore {
	return &ProfitStore{pool: pool}
}

func (s *ProfitStore) Profit(ctx context.Context, token string) (*uint256.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `SELECT amount::text FROM protocol_profits WHERE token = $1`, token).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: profit %s: %w", token, err)
	}
	v, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *ProfitStore) ListProfits(ctx context.Context) (map[string]*uint256.Int, error) {
	rows, err := s.pool.Query(ctx, `SELECT token, amount::text FROM protocol_profits WHERE amount > 0`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list profits: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*uint256.Int)
	for rows.Next() {
		var token, amount string
		if err := rows.Scan(&token, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan profit: %w", err)
		}
		v, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		out[token] = &v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list profits rows: %w", err)
	}
	return out, nil
}

func (s *ProfitStore) ResetProfit(ctx context.Context, token string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM protocol_profits WHERE token = $1`, token); err != nil {
		return fmt.Errorf("postgres: reset profit %s: %w", token, err)
	}
	return nil
}

func addProfit(ctx context.Context, q querier, token string, amount *uint256.Int) error {
	const query = `
		INSERT INTO protocol_profits (token, amount) VALUES ($1, $2::numeric)
		ON CONFLICT (token) DO UPDATE
			SET amount = protocol_profits.amount + EXCLUDED.amount, updated_at = NOW()`
	if _, err := q.Exec(ctx, query, token, amount.Dec()); err != nil {
		return fmt.Errorf("postgres: add profit %s: %w", token, err)
	}
	return nil
}
