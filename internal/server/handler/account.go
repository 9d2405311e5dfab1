package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/holiman/uint256"
)

// AccountService defines the methods that the account handler requires from
// the service layer.
type AccountService interface {
	Deposit(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error)
	Withdraw(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error)
	Balance(ctx context.Context, owner, token string) (*uint256.Int, error)
}

// AccountHandler serves deposits, withdrawals and balances.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler with the given service and logger.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logHandler(logger, "account")}
}

type transferRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type balanceResponse struct {
	Owner   string `json:"owner"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

// Deposit credits the caller's own account.
// POST /api/accounts/{user}/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, "deposit", h.accounts.Deposit)
}

// Withdraw debits the caller's own account.
// POST /api/accounts/{user}/withdraw
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, "withdraw", h.accounts.Withdraw)
}

func (h *AccountHandler) transfer(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error),
) {
	owner := pathParam(r, "user")
	if caller(r) != owner {
		writeError(w, http.StatusForbidden, op+" is only allowed on the caller's own account")
		return
	}
	var req transferRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := fn(r.Context(), owner, req.Token, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Owner: owner, Token: req.Token, Balance: bal.Dec()})
}

// Balance returns one token balance of an account.
// GET /api/accounts/{user}/balances/{token}
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	owner, token := pathParam(r, "user"), pathParam(r, "token")
	bal, err := h.accounts.Balance(r.Context(), owner, token)
	if err != nil {
		writeServiceError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Owner: owner, Token: token, Balance: bal.Dec()})
}
