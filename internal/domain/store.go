package domain

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders. Order ids are allocated from one counter shared
// by every user.
type OrderStore interface {
	NextID(ctx context.Context) (uint64, error)
	Get(ctx context.Context, owner string, id uint64) (Order, error)
	GetByID(ctx context.Context, id uint64) (Order, error)
	ListByUser(ctx context.Context, owner string, opts ListOpts) ([]Order, error)
	ListPending(ctx context.Context, opts ListOpts) ([]Order, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Order, error)
}

// BalanceStore is the per-user, per-token ledger. A missing entry reads as
// zero.
type BalanceStore interface {
	Balance(ctx context.Context, owner, token string) (*uint256.Int, error)
	Increase(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error)
	Decrease(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error)
}

// ProfitStore accumulates the protocol's share of realized profit per token.
type ProfitStore interface {
	Profit(ctx context.Context, token string) (*uint256.Int, error)
	ListProfits(ctx context.Context) (map[string]*uint256.Int, error)
	ResetProfit(ctx context.Context, token string) error
}

// PairStore holds the supported trade pairs.
type PairStore interface {
	AddPair(ctx context.Context, pair TradePair) error
	RemovePair(ctx context.Context, id string) error
	GetPair(ctx context.Context, id string) (TradePair, error)
	ListPairs(ctx context.Context) ([]TradePair, error)
}

// PriceStore maps tokens to their latest oracle price.
type PriceStore interface {
	SetPrices(ctx context.Context, prices []Price) error
	GetPrice(ctx context.Context, token string) (Price, error)
	GetPrices(ctx context.Context, tokens []string) (map[string]Price, error)
}

// MarketDataStore maps tokens to their latest lending-market snapshot.
type MarketDataStore interface {
	PutMarketData(ctx context.Context, md MarketData) error
	GetMarketData(ctx context.Context, token string) (MarketData, error)
}

// CheckpointStore persists the progress of closing sagas so a retry resumes
// after the last confirmed external effect.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, orderID uint64) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	DeleteCheckpoint(ctx context.Context, orderID uint64) error
}

// SettlementStore applies a saga's terminal step atomically.
type SettlementStore interface {
	Apply(ctx context.Context, s Settlement) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
