package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/formula"
	"github.com/alanyoungcy/marginbot/internal/metrics"
	"github.com/alanyoungcy/marginbot/internal/saga"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/service"
)

type stubMarkets struct {
	pairs map[string]domain.TradePair
}

func (s *stubMarkets) AddPair(_ context.Context, p domain.TradePair) (domain.TradePair, error) {
	p.ID = domain.PairID(p.SellToken, p.BuyToken)
	if _, ok := s.pairs[p.ID]; ok {
		return domain.TradePair{}, fmt.Errorf("add pair: %w", domain.ErrAlreadyExists)
	}
	s.pairs[p.ID] = p
	return p, nil
}

func (s *stubMarkets) RemovePair(_ context.Context, id string) error {
	if _, ok := s.pairs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.pairs, id)
	return nil
}

func (s *stubMarkets) GetPair(_ context.Context, id string) (domain.TradePair, error) {
	p, ok := s.pairs[id]
	if !ok {
		return domain.TradePair{}, fmt.Errorf("get pair %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *stubMarkets) ListPairs(context.Context) ([]domain.TradePair, error) {
	out := make([]domain.TradePair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubMarkets) UpdatePrices(_ context.Context, updates []domain.TickerPrice) (int, []string, error) {
	return len(updates) - 1, []string{updates[len(updates)-1].Ticker}, nil
}

func (s *stubMarkets) RefreshMarket(_ context.Context, token string) (domain.MarketData, error) {
	return domain.MarketData{
		Token:           token,
		TotalSupplies:   *uint256.NewInt(1000),
		TotalBorrows:    *uint256.NewInt(400),
		BorrowRateRatio: decimal.MustFromString("1.000000001"),
	}, nil
}

type stubAccounts struct {
	balances map[string]*uint256.Int
}

func (s *stubAccounts) Deposit(_ context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	key := owner + "|" + token
	bal, ok := s.balances[key]
	if !ok {
		bal = new(uint256.Int)
	}
	bal = new(uint256.Int).Add(bal, amount)
	s.balances[key] = bal
	return bal, nil
}

func (s *stubAccounts) Withdraw(context.Context, string, string, *uint256.Int) (*uint256.Int, error) {
	return nil, fmt.Errorf("withdraw: %w", domain.ErrInsufficientBalance)
}

func (s *stubAccounts) Balance(_ context.Context, owner, token string) (*uint256.Int, error) {
	if bal, ok := s.balances[owner+"|"+token]; ok {
		return bal, nil
	}
	return new(uint256.Int), nil
}

type stubProfits struct{}

func (stubProfits) List(context.Context) (map[string]*uint256.Int, error) {
	return map[string]*uint256.Int{"usdc": uint256.NewInt(42)}, nil
}

func (stubProfits) Reset(context.Context, string) error { return nil }

type stubOrders struct {
	created  saga.CreateRequest
	closeErr error
}

func (s *stubOrders) Create(_ context.Context, req saga.CreateRequest) (domain.Order, error) {
	s.created = req
	return domain.Order{
		ID: 7, Owner: req.Owner, Status: domain.OrderStatusPending, Type: req.Type,
		Amount: req.Amount, SellToken: req.SellToken, BuyToken: req.BuyToken, Leverage: req.Leverage,
	}, nil
}

func (s *stubOrders) Cancel(_ context.Context, id uint64, caller string, _ saga.FeeOverrides) (saga.Result, error) {
	if s.closeErr != nil {
		return saga.Result{}, s.closeErr
	}
	return saga.Result{
		Order: domain.Order{ID: id, Owner: caller, Status: domain.OrderStatusCanceled},
		PnL:   &formula.PnL{IsProfit: true, Amount: decimal.MustFromString("12.5")},
		Calls: 3,
	}, nil
}

func (s *stubOrders) Liquidate(context.Context, uint64, string, saga.FeeOverrides) (saga.Result, error) {
	return saga.Result{}, fmt.Errorf("liquidate: %w", domain.ErrNotEligible)
}

func (s *stubOrders) Execute(_ context.Context, id uint64, _ string) (saga.Result, error) {
	return saga.Result{Order: domain.Order{ID: id, Status: domain.OrderStatusExecuted}, Reward: uint256.NewInt(5)}, nil
}

func (s *stubOrders) View(_ context.Context, id uint64, _ saga.FeeOverrides) (service.OrderView, error) {
	if id != 7 {
		return service.OrderView{}, fmt.Errorf("order_service: get %d: %w", id, domain.ErrNotFound)
	}
	return service.OrderView{Order: domain.Order{ID: 7, Status: domain.OrderStatusPending}.Record()}, nil
}

func (s *stubOrders) ListByUser(_ context.Context, owner string, _ domain.ListOpts) ([]domain.Order, error) {
	return []domain.Order{{ID: 7, Owner: owner}}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyLimiter) Wait(context.Context, string) error                              { return nil }

type testEnv struct {
	handler http.Handler
	markets *stubMarkets
	orders  *stubOrders
}

func newTestEnv(t *testing.T, cfg Config, opts Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		markets: &stubMarkets{pairs: map[string]domain.TradePair{
			"usdc/weth": {ID: "usdc/weth", SellToken: "usdc", BuyToken: "weth", PoolID: "1"},
		}},
		orders: &stubOrders{},
	}
	env.handler = NewHandler(cfg, Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Markets:  handler.NewMarketHandler(env.markets, logger),
		Accounts: handler.NewAccountHandler(&stubAccounts{balances: map[string]*uint256.Int{}}, logger),
		Profits:  handler.NewProfitHandler(stubProfits{}, logger),
		Orders:   handler.NewOrderHandler(env.orders, logger),
	}, opts, logger)
	return env
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthAndAdmin(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: "k", AdminKey: "root"}, Options{})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/health", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/pairs", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/pairs", "", map[string]string{"Authorization": "Bearer k"}).Code)

	body := `{"sell_token":"usdc","buy_token":"wbtc","pool_id":"2"}`
	rec := env.do(http.MethodPost, "/api/admin/pairs", body, map[string]string{"X-API-Key": "k"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/admin/pairs", body, map[string]string{"X-API-Key": "k", "X-Admin-Key": "root"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"usdc/wbtc"`)

	rec = env.do(http.MethodPost, "/api/admin/pairs", body, map[string]string{"X-API-Key": "k", "X-Admin-Key": "root"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminClosedWithoutKey(t *testing.T) {
	env := newTestEnv(t, Config{}, Options{})
	rec := env.do(http.MethodGet, "/api/admin/profits", "", map[string]string{"X-Admin-Key": ""})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPairRoutes(t *testing.T) {
	env := newTestEnv(t, Config{AdminKey: "root"}, Options{})
	admin := map[string]string{"X-Admin-Key": "root"}

	rec := env.do(http.MethodGet, "/api/pairs/usdc%2Fweth", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pool_id":"1"`)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/pairs/nope", "", nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/admin/pairs/usdc%2Fweth", "", admin).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/api/admin/pairs/usdc%2Fweth", "", admin).Code)
}

func TestOracleAndMarketRoutes(t *testing.T) {
	env := newTestEnv(t, Config{AdminKey: "root"}, Options{})
	admin := map[string]string{"X-Admin-Key": "root"}

	rec := env.do(http.MethodPost, "/api/oracle/prices", `{"prices":[{"ticker_id":"USDC","price":"1.0001"},{"ticker_id":"DOGE","price":0.1}]}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":1,"unknown_tickers":["DOGE"]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/oracle/prices", `{"prices":[]}`, admin).Code)

	rec = env.do(http.MethodPost, "/api/admin/markets/weth/refresh", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":"600"`)
	assert.Contains(t, rec.Body.String(), `"borrow_rate_ratio":"1.000000001"`)

	rec = env.do(http.MethodGet, "/api/admin/profits", "", admin)
	assert.JSONEq(t, `{"profits":{"usdc":"42"}}`, rec.Body.String())
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/admin/profits/usdc", "", admin).Code)
}

func TestAccountRoutes(t *testing.T) {
	env := newTestEnv(t, Config{}, Options{})
	alice := map[string]string{"X-Account": "alice"}

	rec := env.do(http.MethodPost, "/api/accounts/alice/deposit", `{"token":"usdc","amount":"1000"}`, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"owner":"alice","token":"usdc","balance":"1000"}`, rec.Body.String())

	assert.Equal(t, http.StatusForbidden,
		env.do(http.MethodPost, "/api/accounts/alice/deposit", `{"token":"usdc","amount":"1"}`, map[string]string{"X-Account": "bob"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPost, "/api/accounts/alice/withdraw", `{"token":"usdc","amount":"5000"}`, alice).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPost, "/api/accounts/alice/deposit", `{"token":"usdc","amount":"abc"}`, alice).Code)

	rec = env.do(http.MethodGet, "/api/accounts/alice/balances/usdc", "", nil)
	assert.JSONEq(t, `{"owner":"alice","token":"usdc","balance":"1000"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/accounts/alice/orders?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"owner":"alice"`)
}

func TestOrderRoutes(t *testing.T) {
	env := newTestEnv(t, Config{}, Options{})
	alice := map[string]string{"X-Account": "alice"}

	body := `{"sell_token":"usdc","buy_token":"weth","order_type":"Buy","amount":"1000000","leverage":"2.5"}`
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/api/orders", body, nil).Code)

	rec := env.do(http.MethodPost, "/api/orders", body, alice)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", env.orders.created.Owner)
	assert.Equal(t, domain.OrderTypeBuy, env.orders.created.Type)
	assert.Equal(t, "2.5", env.orders.created.Leverage.String())
	assert.Contains(t, rec.Body.String(), `"id":7`)

	rec = env.do(http.MethodPost, "/api/orders", `{"sell_token":"usdc","buy_token":"weth","order_type":"buy","amount":"1"}`, alice)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1", env.orders.created.Leverage.String())

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/orders/7", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/orders/8", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/orders/abc", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/orders/7?swap_fee=x", "", nil).Code)

	rec = env.do(http.MethodPost, "/api/orders/7/cancel", `{"swap_fee":"0.003"}`, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pnl":{"is_profit":true,"amount":"12.5"}`)
	assert.Contains(t, rec.Body.String(), `"external_calls":3`)

	rec = env.do(http.MethodPost, "/api/orders/7/execute", "", map[string]string{"X-Account": "keeper"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reward":"5"`)

	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/orders/7/liquidate", "", alice).Code)

	env.orders.closeErr = &domain.SagaError{Kind: domain.SagaCancel, Step: "remove_liquidity", OrderID: 7, Err: domain.ErrExternalCall}
	rec = env.do(http.MethodPost, "/api/orders/7/cancel", "", alice)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"step":"remove_liquidity"`)

	env.orders.closeErr = fmt.Errorf("cancel: %w", domain.ErrWrongOwner)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/api/orders/7/cancel", "", alice).Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 1, RateWindow: time.Second}, Options{Limiter: denyLimiter{}})
	rec := env.do(http.MethodGet, "/api/pairs", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("marginbot_test")
	env := newTestEnv(t, Config{}, Options{Metrics: m})

	env.do(http.MethodGet, "/api/pairs", "", nil)
	rec := env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "marginbot_test_")

	assert.Equal(t, http.StatusNotFound, newTestEnv(t, Config{}, Options{}).do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: []string{"https://app.example"}}, Options{})
	rec := env.do(http.MethodOptions, "/api/orders", "", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Account")
}
