package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/holiman/uint256"
)

// ProfitService defines the methods that the profit handler requires from
// the service layer.
type ProfitService interface {
	List(ctx context.Context) (map[string]*uint256.Int, error)
	Reset(ctx context.Context, token string) error
}

// ProfitHandler exposes protocol profit to operators.
type ProfitHandler struct {
	profits ProfitService
	logger  *slog.Logger
}

// NewProfitHandler creates a ProfitHandler with the given service and logger.
func NewProfitHandler(profits ProfitService, logger *slog.Logger) *ProfitHandler {
	return &ProfitHandler{profits: profits, logger: logHandler(logger, "profit")}
}

type listProfitsResponse struct {
	Profits map[string]string `json:"profits"`
}

// ListProfits returns accrued protocol profit per token.
// GET /api/admin/profits
func (h *ProfitHandler) ListProfits(w http.ResponseWriter, r *http.Request) {
	profits, err := h.profits.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list profits", err)
		return
	}
	out := make(map[string]string, len(profits))
	for token, amount := range profits {
		out[token] = amount.Dec()
	}
	writeJSON(w, http.StatusOK, listProfitsResponse{Profits: out})
}

// ResetProfit zeroes one token's profit.
// DELETE /api/admin/profits/{token}
func (h *ProfitHandler) ResetProfit(w http.ResponseWriter, r *http.Request) {
	if err := h.profits.Reset(r.Context(), pathParam(r, "token")); err != nil {
		writeServiceError(w, r, h.logger, "reset profit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
