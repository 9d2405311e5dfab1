package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

var _ domain.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore implements domain.CheckpointStore using PostgreSQL.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a new CheckpointStore backed by the given connection pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

func (s *CheckpointStore) GetCheckpoint(ctx context.Context, orderID uint64) (domain.Checkpoint, error) {
	const query = `
		SELECT kind, stage, removed_x::text, removed_y::text, swap_out::text, updated_at
		FROM saga_checkpoints WHERE order_id = $1`
	var (
		cp                 domain.Checkpoint
		kind, stage        string
		removedX, removedY string
		swapOut            string
	)
	err := s.pool.QueryRow(ctx, query, int64(orderID)).Scan(&kind, &stage, &removedX, &removedY, &swapOut, &cp.UpdatedAt)
	if err != nil {
		return domain.Checkpoint{}, notFound(err, fmt.Sprintf("checkpoint %d", orderID))
	}
	cp.OrderID = orderID
	cp.Kind, cp.Stage = domain.SagaKind(kind), domain.CheckpointStage(stage)
	if cp.RemovedX, err = parseAmount(removedX); err != nil {
		return domain.Checkpoint{}, err
	}
	if cp.RemovedY, err = parseAmount(removedY); err != nil {
		return domain.Checkpoint{}, err
	}
	if cp.SwapOut, err = parseAmount(swapOut); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// SaveCheckpoint overwrites any earlier checkpoint of the same order.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	const query = `
		INSERT INTO saga_checkpoints (order_id, kind, stage, removed_x, removed_y, swap_out, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7)
		ON CONFLICT (order_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			stage = EXCLUDED.stage,
			removed_x = EXCLUDED.removed_x,
			removed_y = EXCLUDED.removed_y,
			swap_out = EXCLUDED.swap_out,
			updated_at = EXCLUDED.updated_at`
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		int64(cp.OrderID), string(cp.Kind), string(cp.Stage),
		cp.RemovedX.Dec(), cp.RemovedY.Dec(), cp.SwapOut.Dec(), updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint %d: %w", cp.OrderID, err)
	}
	return nil
}

func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, orderID uint64) error {
	return deleteCheckpoint(ctx, s.pool, orderID)
}

func deleteCheckpoint(ctx context.Context, q querier, orderID uint64) error {
	if _, err := q.Exec(ctx, `DELETE FROM saga_checkpoints WHERE order_id = $1`, int64(orderID)); err != nil {
		return fmt.Errorf("postgres: delete checkpoint %d: %w", orderID, err)
	}
	return nil
}
