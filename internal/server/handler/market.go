package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// MarketService defines the methods that the market handler requires from
// the service layer.
type MarketService interface {
	AddPair(ctx context.Context, pair domain.TradePair) (domain.TradePair, error)
	RemovePair(ctx context.Context, id string) error
	GetPair(ctx context.Context, id string) (domain.TradePair, error)
	ListPairs(ctx context.Context) ([]domain.TradePair, error)
	UpdatePrices(ctx context.Context, updates []domain.TickerPrice) (int, []string, error)
	RefreshMarket(ctx context.Context, token string) (domain.MarketData, error)
}

// MarketHandler serves pair administration, the oracle hook and lending
// market refreshes.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "market")}
}

type listPairsResponse struct {
	Pairs []domain.TradePair `json:"pairs"`
}

// ListPairs returns every supported pair.
// GET /api/pairs
func (h *MarketHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.markets.ListPairs(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list pairs", err)
		return
	}
	if pairs == nil {
		pairs = []domain.TradePair{}
	}
	writeJSON(w, http.StatusOK, listPairsResponse{Pairs: pairs})
}

// GetPair returns one pair. Pair ids contain a slash, so clients send the
// id path-escaped (usdc%2Fweth).
// GET /api/pairs/{id}
func (h *MarketHandler) GetPair(w http.ResponseWriter, r *http.Request) {
	p, err := h.markets.GetPair(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get pair", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AddPair registers a pair; the id is derived from its tokens.
// POST /api/admin/pairs
func (h *MarketHandler) AddPair(w http.ResponseWriter, r *http.Request) {
	var pair domain.TradePair
	if err := decodeJSON(r, &pair, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := h.markets.AddPair(r.Context(), pair)
	if err != nil {
		writeServiceError(w, r, h.logger, "add pair", err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

// RemovePair drops a pair.
// DELETE /api/admin/pairs/{id}
func (h *MarketHandler) RemovePair(w http.ResponseWriter, r *http.Request) {
	if err := h.markets.RemovePair(r.Context(), pathParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, "remove pair", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updatePricesRequest struct {
	Prices []domain.TickerPrice `json:"prices"`
}

type updatePricesResponse struct {
	Updated int      `json:"updated"`
	Unknown []string `json:"unknown_tickers"`
}

// UpdatePrices is the oracle push endpoint.
// POST /api/oracle/prices
func (h *MarketHandler) UpdatePrices(w http.ResponseWriter, r *http.Request) {
	var req updatePricesRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Prices) == 0 {
		writeError(w, http.StatusBadRequest, "prices must not be empty")
		return
	}
	updated, unknown, err := h.markets.UpdatePrices(r.Context(), req.Prices)
	if err != nil {
		writeServiceError(w, r, h.logger, "update prices", err)
		return
	}
	if unknown == nil {
		unknown = []string{}
	}
	writeJSON(w, http.StatusOK, updatePricesResponse{Updated: updated, Unknown: unknown})
}

// marketResponse is MarketData with its amounts in base-10 strings.
type marketResponse struct {
	Token             string    `json:"token"`
	TotalSupplies     string    `json:"total_supplies"`
	TotalBorrows      string    `json:"total_borrows"`
	TotalReserves     string    `json:"total_reserves"`
	Available         string    `json:"available"`
	ExchangeRateRatio string    `json:"exchange_rate_ratio"`
	InterestRateRatio string    `json:"interest_rate_ratio"`
	BorrowRateRatio   string    `json:"borrow_rate_ratio"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RefreshMarket pulls a fresh snapshot of token's lending market.
// POST /api/admin/markets/{token}/refresh
func (h *MarketHandler) RefreshMarket(w http.ResponseWriter, r *http.Request) {
	md, err := h.markets.RefreshMarket(r.Context(), pathParam(r, "token"))
	if err != nil {
		writeServiceError(w, r, h.logger, "refresh market", err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse{
		Token:             md.Token,
		TotalSupplies:     md.TotalSupplies.Dec(),
		TotalBorrows:      md.TotalBorrows.Dec(),
		TotalReserves:     md.TotalReserves.Dec(),
		Available:         md.Available().Dec(),
		ExchangeRateRatio: md.ExchangeRateRatio.String(),
		InterestRateRatio: md.InterestRateRatio.String(),
		BorrowRateRatio:   md.BorrowRateRatio.String(),
		UpdatedAt:         md.UpdatedAt,
	})
}
