package domain

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
)

// OrderType is the direction of a leveraged order.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeBuy || t == OrderTypeSell
}

// OrderStatus tracks the order lifecycle. Pending is the only non-terminal
// state.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusExecuted   OrderStatus = "executed"
	OrderStatusCanceled   OrderStatus = "canceled"
	OrderStatusLiquidated OrderStatus = "liquidated"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusCanceled || s == OrderStatusLiquidated
}

// Order is a leveraged position backed by an AMM liquidity position.
type Order struct {
	ID             uint64
	Owner          string
	PairID         string
	Status         OrderStatus
	Type           OrderType
	Amount         uint256.Int // sell-token quantity debited at open
	SellToken      string
	BuyToken       string
	Leverage       decimal.Decimal
	SellTokenPrice decimal.Decimal // snapshot at open
	BuyTokenPrice  decimal.Decimal // snapshot at open
	Block          uint64
	PositionHandle string
	BorrowAmount   uint256.Int // buy-token quantity borrowed at open
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

// OrderRecord is the flat, string-encoded form of an Order used on the wire,
// in event payloads and in archives.
type OrderRecord struct {
	ID             uint64      `json:"id"`
	Owner          string      `json:"owner"`
	PairID         string      `json:"pair_id"`
	Status         OrderStatus `json:"status"`
	Type           OrderType   `json:"order_type"`
	Amount         string      `json:"amount"`
	SellToken      string      `json:"sell_token"`
	BuyToken       string      `json:"buy_token"`
	Leverage       string      `json:"leverage"`
	SellTokenPrice string      `json:"sell_token_price"`
	BuyTokenPrice  string      `json:"buy_token_price"`
	Block          uint64      `json:"block"`
	PositionHandle string      `json:"lpt_id"`
	BorrowAmount   string      `json:"borrow_amount"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
}

// Record converts o to its wire form.
func (o Order) Record() OrderRecord {
	return OrderRecord{
		ID:             o.ID,
		Owner:          o.Owner,
		PairID:         o.PairID,
		Status:         o.Status,
		Type:           o.Type,
		Amount:         o.Amount.Dec(),
		SellToken:      o.SellToken,
		BuyToken:       o.BuyToken,
		Leverage:       o.Leverage.String(),
		SellTokenPrice: o.SellTokenPrice.String(),
		BuyTokenPrice:  o.BuyTokenPrice.String(),
		Block:          o.Block,
		PositionHandle: o.PositionHandle,
		BorrowAmount:   o.BorrowAmount.Dec(),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		ClosedAt:       o.ClosedAt,
	}
}

// OrderEvent is published on the signal bus whenever an order changes.
type OrderEvent struct {
	Type   string      `json:"type"`
	SagaID string      `json:"saga_id"`
	Caller string      `json:"caller,omitempty"`
	Order  OrderRecord `json:"order"`
	Step   string      `json:"step,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Order event types.
const (
	EventOrderCreated    = "order_created"
	EventOrderCanceled   = "order_canceled"
	EventOrderExecuted   = "order_executed"
	EventOrderLiquidated = "order_liquidated"
	EventSagaFailed      = "saga_failed"
	EventReconcile       = "reconcile_required"
)
