// Package lending is the HTTP client for the external lending market the
// engine borrows from when an order is leveraged.
package lending

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/crypto"
	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

var _ domain.LendingMarket = (*Client)(nil)

// Client talks to the lending market's JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
	now        func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHMAC authenticates every request.
func WithHMAC(a *crypto.HMACAuth) Option {
	return func(c *Client) { c.auth = a }
}

// WithRateLimiter throttles outbound calls through a shared limiter.
func WithRateLimiter(rl domain.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type amountBody struct {
	Amount string `json:"amount"`
}

// apiMarketData is the GET /markets/{market} response. Ratios are 10^24
// scaled integers.
type apiMarketData struct {
	TotalSupplies     string `json:"total_supplies"`
	TotalBorrows      string `json:"total_borrows"`
	TotalReserves     string `json:"total_reserves"`
	ExchangeRateRatio string `json:"exchange_rate_ratio"`
	InterestRateRatio string `json:"interest_rate_ratio"`
	BorrowRateRatio   string `json:"borrow_rate_ratio"`
}

// Borrow borrows amount from market and returns the confirmed amount.
func (c *Client) Borrow(ctx context.Context, market string, amount *uint256.Int) (*uint256.Int, error) {
	var resp amountBody
	path := "/markets/" + url.PathEscape(market) + "/borrow"
	if err := c.do(ctx, http.MethodPost, path, amountBody{Amount: amount.Dec()}, &resp); err != nil {
		return nil, fmt.Errorf("lending: borrow %s from %s: %w", amount.Dec(), market, err)
	}
	confirmed, err := parseAmount("amount", resp.Amount)
	if err != nil {
		return nil, fmt.Errorf("lending: borrow from %s: %w", market, err)
	}
	return confirmed, nil
}

// Repay returns amount to market.
func (c *Client) Repay(ctx context.Context, market string, amount *uint256.Int) error {
	var resp amountBody
	path := "/markets/" + url.PathEscape(market) + "/repay"
	if err := c.do(ctx, http.MethodPost, path, amountBody{Amount: amount.Dec()}, &resp); err != nil {
		return fmt.Errorf("lending: repay %s to %s: %w", amount.Dec(), market, err)
	}
	return nil
}

// ViewMarketData returns the market's current snapshot. Every field is
// required; a missing field is a malformed response, never a zero.
func (c *Client) ViewMarketData(ctx context.Context, market string) (domain.MarketData, error) {
	var resp apiMarketData
	if err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(market), nil, &resp); err != nil {
		return domain.MarketData{}, fmt.Errorf("lending: view market %s: %w", market, err)
	}

	md := domain.MarketData{UpdatedAt: c.now().UTC()}
	for _, f := range []struct {
		name string
		in   string
		out  *uint256.Int
	}{
		{"total_supplies", resp.TotalSupplies, &md.TotalSupplies},
		{"total_borrows", resp.TotalBorrows, &md.TotalBorrows},
		{"total_reserves", resp.TotalReserves, &md.TotalReserves},
	} {
		v, err := parseAmount(f.name, f.in)
		if err != nil {
			return domain.MarketData{}, fmt.Errorf("lending: view market %s: %w", market, err)
		}
		f.out.Set(v)
	}
	for _, f := range []struct {
		name string
		in   string
		out  *decimal.Decimal
	}{
		{"exchange_rate_ratio", resp.ExchangeRateRatio, &md.ExchangeRateRatio},
		{"interest_rate_ratio", resp.InterestRateRatio, &md.InterestRateRatio},
		{"borrow_rate_ratio", resp.BorrowRateRatio, &md.BorrowRateRatio},
	} {
		v, err := parseRatio(f.name, f.in)
		if err != nil {
			return domain.MarketData{}, fmt.Errorf("lending: view market %s: %w", market, err)
		}
		*f.out = v
	}
	return md, nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", domain.ErrMalformedResponse, field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q: %v", domain.ErrMalformedResponse, field, s, err)
	}
	return v, nil
}

func parseRatio(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %s", domain.ErrMalformedResponse, field)
	}
	raw, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s=%q", domain.ErrMalformedResponse, field, s)
	}
	d, err := decimal.FromRaw(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s=%q: %v", domain.ErrMalformedResponse, field, s, err)
	}
	return d, nil
}

// do sends an HMAC-authenticated JSON request and decodes a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "lending"); err != nil {
			return err
		}
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		for k, v := range c.auth.HeadersAt(method, path, string(payload), c.now().Unix()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrExternalCall, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrExternalCall, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. Every failure
// wraps ErrExternalCall; 404, 401/403 and 429 also wrap the matching sentinel.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w: %s", domain.ErrExternalCall, domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w: %s", domain.ErrExternalCall, domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: %s", domain.ErrExternalCall, domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrExternalCall, statusCode, bodyStr)
	}
}
