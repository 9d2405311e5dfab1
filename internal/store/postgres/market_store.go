package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

var (
	_ domain.PairStore       = (*PairStore)(nil)
	_ domain.MarketDataStore = (*MarketDataStore)(nil)
)

// PairStore implements domain.PairStore using PostgreSQL.
type PairStore struct {
	pool *pgxpool.Pool
}

// NewPairStore creates a new PairStore backed by the given connection pool.
func NewPairStore(pool *pgxpool.Pool) *PairStore {
	return &PairStore{pool: pool}
}

const pairColumns = `id, sell_ticker, sell_token, sell_market, buy_ticker, buy_token, buy_market, pool_id`

func (s *PairStore) AddPair(ctx context.Context, p domain.TradePair) error {
	const query = `INSERT INTO trade_pairs (` + pairColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.SellTicker, p.SellToken, p.SellMarket, p.BuyTicker, p.BuyToken, p.BuyMarket, p.PoolID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: add pair %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: add pair %s: %w", p.ID, err)
	}
	return nil
}

func (s *PairStore) RemovePair(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_pairs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: remove pair %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: remove pair %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *PairStore) GetPair(ctx context.Context, id string) (domain.TradePair, error) {
	p, err := scanPair(s.pool.QueryRow(ctx, `SELECT `+pairColumns+` FROM trade_pairs WHERE id = $1`, id))
	if err != nil {
		return domain.TradePair{}, notFound(err, "pair "+id)
	}
	return p, nil
}

func (s *PairStore) ListPairs(ctx context.Context) ([]domain.TradePair, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pairColumns+` FROM trade_pairs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pairs: %w", err)
	}
	defer rows.Close()

	pairs := make([]domain.TradePair, 0)
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pairs rows: %w", err)
	}
	return pairs, nil
}

func scanPair(row pgx.Row) (domain.TradePair, error) {
	var p domain.TradePair
	err := row.Scan(&p.ID, &p.SellTicker, &p.SellToken, &p.SellMarket, &p.BuyTicker, &p.BuyToken, &p.BuyMarket, &p.PoolID)
	return p, err
}

// MarketDataStore implements domain.MarketDataStore using PostgreSQL. Only
// the latest snapshot per token is kept.
type MarketDataStore struct {
	pool *pgxpool.Pool
}

// NewMarketDataStore creates a new MarketDataStore backed by the given connection pool.
func NewMarketDataStore(pool *pgxpool.Pool) *MarketDataStore {
	return &MarketDataStore{pool: pool}
}

func (s *MarketDataStore) PutMarketData(ctx context.Context, md domain.MarketData) error {
	const query = `
		INSERT INTO market_data (
			token, total_supplies, total_borrows, total_reserves,
			exchange_rate_ratio, interest_rate_ratio, borrow_rate_ratio, updated_at
		) VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8)
		ON CONFLICT (token) DO UPDATE SET
			total_supplies = EXCLUDED.total_supplies,
			total_borrows = EXCLUDED.total_borrows,
			total_reserves = EXCLUDED.total_reserves,
			exchange_rate_ratio = EXCLUDED.exchange_rate_ratio,
			interest_rate_ratio = EXCLUDED.interest_rate_ratio,
			borrow_rate_ratio = EXCLUDED.borrow_rate_ratio,
			updated_at = EXCLUDED.updated_at`
	updated := md.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		md.Token, md.TotalSupplies.Dec(), md.TotalBorrows.Dec(), md.TotalReserves.Dec(),
		md.ExchangeRateRatio.String(), md.InterestRateRatio.String(), md.BorrowRateRatio.String(), updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: put market data %s: %w", md.Token, err)
	}
	return nil
}

func (s *MarketDataStore) GetMarketData(ctx context.Context, token string) (domain.MarketData, error) {
	const query = `
		SELECT token, total_supplies::text, total_borrows::text, total_reserves::text,
			exchange_rate_ratio::text, interest_rate_ratio::text, borrow_rate_ratio::text, updated_at
		FROM market_data WHERE token = $1`
	var (
		md                          domain.MarketData
		supplies, borrows, reserves string
		exchange, interest, borrow  string
	)
	err := s.pool.QueryRow(ctx, query, token).Scan(
		&md.Token, &supplies, &borrows, &reserves, &exchange, &interest, &borrow, &md.UpdatedAt,
	)
	if err != nil {
		return domain.MarketData{}, notFound(err, "market data "+token)
	}
	if md.TotalSupplies, err = parseAmount(supplies); err != nil {
		return domain.MarketData{}, err
	}
	if md.TotalBorrows, err = parseAmount(borrows); err != nil {
		return domain.MarketData{}, err
	}
	if md.TotalReserves, err = parseAmount(reserves); err != nil {
		return domain.MarketData{}, err
	}
	if md.ExchangeRateRatio, err = parseDecimal(exchange); err != nil {
		return domain.MarketData{}, err
	}
	if md.InterestRateRatio, err = parseDecimal(interest); err != nil {
		return domain.MarketData{}, err
	}
	if md.BorrowRateRatio, err = parseDecimal(borrow); err != nil {
		return domain.MarketData{}, err
	}
	return md, nil
}
