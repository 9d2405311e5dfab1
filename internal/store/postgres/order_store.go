package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

var _ domain.OrderStore = (*OrderStore)(nil)

// OrderStore implements domain.OrderStore using PostgreSQL. Orders are only
// written through SettlementStore.Apply.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	id, owner, pair_id, status, order_type, amount::text,
	sell_token, buy_token, leverage::text, sell_token_price::text, buy_token_price::text,
	block, position_handle, borrow_amount::text, created_at, updated_at, closed_at`

// NextID draws from order_id_seq, so ids are never reused even when the saga
// that reserved one fails.
func (s *OrderStore) NextID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('order_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: next order id: %w", err)
	}
	return uint64(id), nil
}

func (s *OrderStore) Get(ctx context.Context, owner string, id uint64) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE id = $1 AND owner = $2`, int64(id), owner)
	o, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, notFound(err, fmt.Sprintf("order %d of %s", id, owner))
	}
	return o, nil
}

func (s *OrderStore) GetByID(ctx context.Context, id uint64) (domain.Order, error) {
	return getOrder(ctx, s.pool, id, false)
}

func (s *OrderStore) ListByUser(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := withListOpts(`SELECT`+orderColumns+` FROM orders WHERE owner = $1`, []any{owner}, opts, "created_at", "id ASC")
	return s.list(ctx, query, args...)
}

func (s *OrderStore) ListPending(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := withListOpts(`SELECT`+orderColumns+` FROM orders WHERE status = 'pending'`, nil, opts, "created_at", "id ASC")
	return s.list(ctx, query, args...)
}

func (s *OrderStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	return s.list(ctx, `SELECT`+orderColumns+` FROM orders WHERE closed_at IS NOT NULL AND closed_at < $1 ORDER BY id`, before)
}

func (s *OrderStore) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return orders, nil
}

// getOrder reads one order; forUpdate locks the row inside a transaction.
func getOrder(ctx context.Context, q querier, id uint64, forUpdate bool) (domain.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, query, int64(id)))
	if err != nil {
		return domain.Order{}, notFound(err, fmt.Sprintf("order %d", id))
	}
	return o, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                             domain.Order
		id, block                     int64
		status, orderType             string
		amount, borrow                string
		leverage, sellPrice, buyPrice string
	)
	if err := row.Scan(
		&id, &o.Owner, &o.PairID, &status, &orderType, &amount,
		&o.SellToken, &o.BuyToken, &leverage, &sellPrice, &buyPrice,
		&block, &o.PositionHandle, &borrow, &o.CreatedAt, &o.UpdatedAt, &o.ClosedAt,
	); err != nil {
		return domain.Order{}, err
	}
	o.ID, o.Block = uint64(id), uint64(block)
	o.Status, o.Type = domain.OrderStatus(status), domain.OrderType(orderType)

	var err error
	if o.Amount, err = parseAmount(amount); err != nil {
		return domain.Order{}, err
	}
	if o.BorrowAmount, err = parseAmount(borrow); err != nil {
		return domain.Order{}, err
	}
	if o.Leverage, err = parseDecimal(leverage); err != nil {
		return domain.Order{}, err
	}
	if o.SellTokenPrice, err = parseDecimal(sellPrice); err != nil {
		return domain.Order{}, err
	}
	if o.BuyTokenPrice, err = parseDecimal(buyPrice); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func insertOrder(ctx context.Context, q querier, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, owner, pair_id, status, order_type, amount,
			sell_token, buy_token, leverage, sell_token_price, buy_token_price,
			block, position_handle, borrow_amount, created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::numeric,
			$7, $8, $9::numeric, $10::numeric, $11::numeric,
			$12, $13, $14::numeric, $15, $16, $17
		)`
	_, err := q.Exec(ctx, query,
		int64(o.ID), o.Owner, o.PairID, string(o.Status), string(o.Type), o.Amount.Dec(),
		o.SellToken, o.BuyToken, o.Leverage.String(), o.SellTokenPrice.String(), o.BuyTokenPrice.String(),
		int64(o.Block), o.PositionHandle, o.BorrowAmount.Dec(), o.CreatedAt, o.UpdatedAt, o.ClosedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: insert order %d: %w", o.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert order %d: %w", o.ID, err)
	}
	return nil
}

// updateOrder replaces the mutable fields of a pending order.
func updateOrder(ctx context.Context, q querier, o domain.Order) error {
	const query = `
		UPDATE orders SET
			status = $2, position_handle = $3, borrow_amount = $4::numeric,
			updated_at = $5, closed_at = $6
		WHERE id = $1`
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	tag, err := q.Exec(ctx, query,
		int64(o.ID), string(o.Status), o.PositionHandle, o.BorrowAmount.Dec(), updated, o.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %d: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order %d: %w", o.ID, domain.ErrNotFound)
	}
	return nil
}

// withListOpts appends time filters, ordering and pagination to a query whose
// existing arguments are args.
func withListOpts(query string, args []any, opts domain.ListOpts, timeColumn, orderBy string) (string, []any) {
	argIdx := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeColumn, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s < $%d", timeColumn, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
