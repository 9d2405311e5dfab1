package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(nil, discardLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	h = NewHealthHandler(map[string]Checker{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, discardLogger())
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"degraded"`)
	assert.Contains(t, body, `"postgres":"ok"`)
	assert.Contains(t, body, `"redis":"connection refused"`)
}

type recordingAccounts struct{ calls int }

func (a *recordingAccounts) Deposit(context.Context, string, string, *uint256.Int) (*uint256.Int, error) {
	a.calls++
	return uint256.NewInt(1), nil
}

func (a *recordingAccounts) Withdraw(context.Context, string, string, *uint256.Int) (*uint256.Int, error) {
	a.calls++
	return uint256.NewInt(0), nil
}

func (a *recordingAccounts) Balance(context.Context, string, string) (*uint256.Int, error) {
	return uint256.NewInt(0), nil
}

func TestAccountTransferRequiresOwnAccount(t *testing.T) {
	accounts := &recordingAccounts{}
	h := NewAccountHandler(accounts, discardLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/alice/deposit", strings.NewReader(`{"token":"usdc","amount":"1"}`))
	req.SetPathValue("user", "alice")
	rec := httptest.NewRecorder()

	h.Deposit(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, accounts.calls)
}
