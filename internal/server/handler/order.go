package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/saga"
	"github.com/alanyoungcy/marginbot/internal/service"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	Create(ctx context.Context, req saga.CreateRequest) (domain.Order, error)
	Cancel(ctx context.Context, orderID uint64, caller string, fees saga.FeeOverrides) (saga.Result, error)
	Liquidate(ctx context.Context, orderID uint64, caller string, fees saga.FeeOverrides) (saga.Result, error)
	Execute(ctx context.Context, orderID uint64, caller string) (saga.Result, error)
	View(ctx context.Context, id uint64, overrides saga.FeeOverrides) (service.OrderView, error)
	ListByUser(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logHandler(logger, "order")}
}

type listOrdersResponse struct {
	Orders []domain.OrderRecord `json:"orders"`
}

// ListByUser returns an account's orders, newest first.
// GET /api/accounts/{user}/orders?limit=50&offset=0&since=2026-01-01T00:00:00Z
func (h *OrderHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListByUser(r.Context(), pathParam(r, "user"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list orders", err)
		return
	}
	records := make([]domain.OrderRecord, 0, len(orders))
	for _, o := range orders {
		records = append(records, o.Record())
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: records})
}

type createOrderRequest struct {
	SellToken string `json:"sell_token"`
	BuyToken  string `json:"buy_token"`
	OrderType string `json:"order_type"`
	Amount    string `json:"amount"`
	Leverage  string `json:"leverage"`
}

type orderResponse struct {
	Order domain.OrderRecord `json:"order"`
}

// CreateOrder opens a leveraged order for the caller.
// POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	owner := caller(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "X-Account header required")
		return
	}
	var req createOrderRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	leverage := decimal.One()
	if req.Leverage != "" {
		if leverage, err = decimal.FromString(req.Leverage); err != nil {
			writeError(w, http.StatusBadRequest, "leverage: "+err.Error())
			return
		}
	}

	o, err := h.orders.Create(r.Context(), saga.CreateRequest{
		Owner:     owner,
		SellToken: req.SellToken,
		BuyToken:  req.BuyToken,
		Type:      domain.OrderType(strings.ToLower(req.OrderType)),
		Amount:    *amount,
		Leverage:  leverage,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{Order: o.Record()})
}

// GetOrder returns the order with its live PnL and liquidation price. Fee
// overrides may be passed as swap_fee and price_impact query parameters.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	fees, err := feeFields{SwapFee: q.Get("swap_fee"), PriceImpact: q.Get("price_impact")}.overrides()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.orders.View(r.Context(), id, fees)
	if err != nil {
		writeServiceError(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type pnlResponse struct {
	IsProfit bool   `json:"is_profit"`
	Amount   string `json:"amount"`
}

type resultResponse struct {
	Order  domain.OrderRecord `json:"order"`
	PnL    *pnlResponse       `json:"pnl,omitempty"`
	Reward string             `json:"reward,omitempty"`
	Calls  int                `json:"external_calls"`
}

func toResultResponse(res saga.Result) resultResponse {
	out := resultResponse{Order: res.Order.Record(), Calls: res.Calls}
	if res.PnL != nil {
		out.PnL = &pnlResponse{IsProfit: res.PnL.IsProfit, Amount: res.PnL.Amount.String()}
	}
	if res.Reward != nil {
		out.Reward = res.Reward.Dec()
	}
	return out
}

// CancelOrder closes the caller's order.
// POST /api/orders/{id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, "cancel order", h.orders.Cancel)
}

// LiquidateOrder closes an under-collateralised order on anyone's behalf.
// POST /api/orders/{id}/liquidate
func (h *OrderHandler) LiquidateOrder(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, "liquidate order", h.orders.Liquidate)
}

func (h *OrderHandler) close(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, id uint64, caller string, fees saga.FeeOverrides) (saga.Result, error),
) {
	who := caller(r)
	if who == "" {
		writeError(w, http.StatusUnauthorized, "X-Account header required")
		return
	}
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body feeFields
	if err := decodeJSON(r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fees, err := body.overrides()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := fn(r.Context(), id, who, fees)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

// ExecuteOrder fills a resting order; the caller earns the execution reward.
// POST /api/orders/{id}/execute
func (h *OrderHandler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	who := caller(r)
	if who == "" {
		writeError(w, http.StatusUnauthorized, "X-Account header required")
		return
	}
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.orders.Execute(r.Context(), id, who)
	if err != nil {
		writeServiceError(w, r, h.logger, "execute order", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}
