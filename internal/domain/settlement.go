package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// CheckpointStage records how far a closing saga got.
type CheckpointStage string

const (
	StageLiquidityRemoved CheckpointStage = "liquidity_removed"
	StageSwapped          CheckpointStage = "swapped"
)

// Checkpoint is the persisted progress of a cancel or liquidate saga.
// RemovedX/RemovedY are the pool-side amounts returned by remove_liquidity;
// SwapOut is the sell-token amount returned by the swap.
type Checkpoint struct {
	OrderID   uint64
	Kind      SagaKind
	Stage     CheckpointStage
	RemovedX  uint256.Int
	RemovedY  uint256.Int
	SwapOut   uint256.Int
	UpdatedAt time.Time
}

// BalanceDelta is one ledger movement inside a Settlement.
type BalanceDelta struct {
	Owner  string
	Token  string
	Amount uint256.Int
}

// ProfitDelta credits the protocol profit accumulator.
type ProfitDelta struct {
	Token  string
	Amount uint256.Int
}

// Settlement is everything a saga's terminal step writes. It is applied all
// or nothing.
//
// When Insert is set the order must not exist yet. Otherwise the stored order
// must still be pending and is replaced by Order.
type Settlement struct {
	Order           Order
	Insert          bool
	Debits          []BalanceDelta
	Credits         []BalanceDelta
	Profits         []ProfitDelta
	ClearCheckpoint bool
}
