package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("order_service: get 1: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrWrongOwner, http.StatusForbidden},
		{domain.ErrOrderTerminal, http.StatusConflict},
		{domain.ErrSagaInFlight, http.StatusConflict},
		{domain.ErrAlreadyExists, http.StatusConflict},
		{domain.ErrNotEligible, http.StatusConflict},
		{domain.ErrInvalidOrder, http.StatusBadRequest},
		{domain.ErrInsufficientBalance, http.StatusBadRequest},
		{domain.ErrUnsupportedPair, http.StatusBadRequest},
		{domain.ErrPriceUnavailable, http.StatusBadRequest},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{&domain.SagaError{Kind: domain.SagaCreate, Step: "borrow", Err: domain.ErrExternalCall}, http.StatusBadGateway},
		{domain.ErrMalformedResponse, http.StatusBadGateway},
		{fmt.Errorf("%w: %w: no such pool", domain.ErrExternalCall, domain.ErrNotFound), http.StatusBadGateway},
		{fmt.Errorf("%w: %w: bad signature", domain.ErrExternalCall, domain.ErrUnauthorized), http.StatusBadGateway},
		{fmt.Errorf("%w: %w: slow down", domain.ErrExternalCall, domain.ErrRateLimited), http.StatusBadGateway},
		{fmt.Errorf("executor: %w", domain.ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestWriteServiceErrorSagaDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/orders/1/cancel", nil)
	err := &domain.SagaError{Kind: domain.SagaCancel, Step: "swap", OrderID: 1, Reconcile: true, Err: domain.ErrExternalCall}

	writeServiceError(rec, req, discardLogger(), "cancel order", err)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"step":"swap"`)
	assert.Contains(t, rec.Body.String(), `"reconcile":true`)
}

func TestWriteServiceErrorHidesInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/pairs", nil)

	writeServiceError(rec, req, discardLogger(), "list pairs", fmt.Errorf("postgres: dial tcp 10.0.0.1:5432: refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
	assert.Contains(t, rec.Body.String(), "list pairs failed")
}

func TestParseListOpts(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?limit=900&offset=5&since=2026-01-02T03:04:05Z", nil)
	opts := parseListOpts(req)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 5, opts.Offset)
	require.NotNil(t, opts.Since)
	assert.Equal(t, 2026, opts.Since.Year())

	opts = parseListOpts(httptest.NewRequest(http.MethodGet, "/x?limit=-1&since=yesterday", nil))
	assert.Equal(t, 50, opts.Limit)
	assert.Nil(t, opts.Since)
}

func TestParseAmount(t *testing.T) {
	a, err := parseAmount("amount", " 1000000 ")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000000), a.Uint64())

	_, err = parseAmount("amount", "")
	assert.Error(t, err)
	_, err = parseAmount("amount", "-5")
	assert.Error(t, err)
	_, err = parseAmount("amount", "1.5")
	assert.Error(t, err)
}

func TestFeeOverrides(t *testing.T) {
	fees, err := feeFields{SwapFee: "0.003"}.overrides()
	require.NoError(t, err)
	require.NotNil(t, fees.SwapFee)
	assert.Equal(t, "0.003", fees.SwapFee.String())
	assert.Nil(t, fees.PriceImpact)

	_, err = feeFields{PriceImpact: "abc"}.overrides()
	assert.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	var body feeFields
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(""))
	assert.NoError(t, decodeJSON(req, &body, true))

	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(""))
	assert.Error(t, decodeJSON(req, &body, false))

	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"swap_fee":"0.01","bogus":1}`))
	assert.Error(t, decodeJSON(req, &body, false))
}
