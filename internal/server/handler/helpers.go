package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/saga"
	"github.com/alanyoungcy/marginbot/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type errorResponse struct {
	Error     string `json:"error"`
	Step      string `json:"step,omitempty"`
	Reconcile bool   `json:"reconcile,omitempty"`
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case domain.IsExternal(err):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrWrongOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOrderTerminal),
		errors.Is(err, domain.ErrSagaInFlight),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrNotEligible),
		errors.Is(err, domain.ErrPoolNotTradeable),
		errors.Is(err, domain.ErrInsufficientLiquidity):
		return http.StatusConflict
	case domain.IsPrecondition(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs err and writes it with the status statusFor picks.
// Internal errors are not echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var se *domain.SagaError
	if errors.As(err, &se) {
		resp.Step, resp.Reconcile = se.Step, se.Reconcile
	}

	attrs := []any{slog.String("op", op), slog.Int("status", status), slog.String("error", err.Error())}
	switch {
	case resp.Reconcile:
		logger.ErrorContext(r.Context(), "handler: request left an unreconciled side effect", append(attrs, slog.Bool("reconcile", true))...)
	case status >= http.StatusInternalServerError:
		logger.ErrorContext(r.Context(), "handler: request failed", attrs...)
	default:
		logger.DebugContext(r.Context(), "handler: request rejected", attrs...)
	}

	if status == http.StatusInternalServerError {
		resp.Error = op + " failed"
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is
// when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. since is RFC 3339.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	return opts
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func orderIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(pathParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid order id %q", pathParam(r, "id"))
	}
	return id, nil
}

// caller is the account named by the X-Account header.
func caller(r *http.Request) string {
	return middleware.AccountFrom(r.Context())
}

// parseAmount reads a base-10 token amount.
func parseAmount(field, s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	a, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return a, nil
}

// feeFields are the optional per-request fee overrides.
type feeFields struct {
	SwapFee     string `json:"swap_fee,omitempty"`
	PriceImpact string `json:"price_impact,omitempty"`
}

func (f feeFields) overrides() (saga.FeeOverrides, error) {
	var out saga.FeeOverrides
	if f.SwapFee != "" {
		d, err := decimal.FromString(f.SwapFee)
		if err != nil {
			return out, fmt.Errorf("swap_fee: %w", err)
		}
		out.SwapFee = &d
	}
	if f.PriceImpact != "" {
		d, err := decimal.FromString(f.PriceImpact)
		if err != nil {
			return out, fmt.Errorf("price_impact: %w", err)
		}
		out.PriceImpact = &d
	}
	return out, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
