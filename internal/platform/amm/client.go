// Package amm is the HTTP client for the concentrated-liquidity AMM that
// backs every order's position.
package amm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/crypto"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

// Request signature headers.
const (
	HeaderAccount   = "X-Account"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

var _ domain.AMM = (*Client)(nil)

// Client talks to the AMM's JSON API.
type Client struct {
	baseURL    string
	account    string
	httpClient *http.Client
	signer     *crypto.Signer
	limiter    domain.RateLimiter
	now        func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithSigner signs every request with the engine account key.
func WithSigner(s *crypto.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithRateLimiter throttles outbound calls through a shared limiter.
func WithRateLimiter(rl domain.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client. account is the engine's account on the AMM; it is
// the receiver of transfer_call and the owner of every liquidity position.
func New(baseURL, account string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		account:    account,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetPool returns the pool's state.
func (c *Client) GetPool(ctx context.Context, poolID string) (domain.PoolInfo, error) {
	var resp apiPool
	if err := c.do(ctx, http.MethodGet, "/pools/"+url.PathEscape(poolID), nil, &resp); err != nil {
		return domain.PoolInfo{}, fmt.Errorf("amm: get pool %s: %w", poolID, err)
	}
	pool, err := resp.toDomain()
	if err != nil {
		return domain.PoolInfo{}, fmt.Errorf("amm: get pool %s: %w", poolID, err)
	}
	return pool, nil
}

// GetLiquidity returns a liquidity position by handle.
func (c *Client) GetLiquidity(ctx context.Context, handle string) (domain.LiquidityInfo, error) {
	var resp apiLiquidity
	if err := c.do(ctx, http.MethodGet, "/liquidity/"+url.PathEscape(handle), nil, &resp); err != nil {
		return domain.LiquidityInfo{}, fmt.Errorf("amm: get liquidity %s: %w", handle, err)
	}
	info, err := resp.toDomain()
	if err != nil {
		return domain.LiquidityInfo{}, fmt.Errorf("amm: get liquidity %s: %w", handle, err)
	}
	return info, nil
}

// AddLiquidity opens a position and returns its handle.
func (c *Client) AddLiquidity(ctx context.Context, p domain.AddLiquidityParams) (string, error) {
	req := addLiquidityRequest{
		PoolID:     p.PoolID,
		LeftPoint:  p.LeftPoint,
		RightPoint: p.RightPoint,
		AmountX:    p.AmountX.Dec(),
		AmountY:    p.AmountY.Dec(),
		MinAmountX: p.MinAmountX.Dec(),
		MinAmountY: p.MinAmountY.Dec(),
	}
	var resp addLiquidityResponse
	if err := c.do(ctx, http.MethodPost, "/liquidity/add", req, &resp); err != nil {
		return "", fmt.Errorf("amm: add liquidity to %s: %w", p.PoolID, err)
	}
	if resp.LptID == "" {
		return "", fmt.Errorf("amm: add liquidity to %s: %w: empty lpt_id", p.PoolID, domain.ErrMalformedResponse)
	}
	return resp.LptID, nil
}

// RemoveLiquidity withdraws from a position.
func (c *Client) RemoveLiquidity(ctx context.Context, p domain.RemoveLiquidityParams) (domain.RemovedLiquidity, error) {
	req := removeLiquidityRequest{
		LptID:      p.Handle,
		Amount:     p.Amount.Dec(),
		MinAmountX: p.MinAmountX.Dec(),
		MinAmountY: p.MinAmountY.Dec(),
	}
	var resp removeLiquidityResponse
	if err := c.do(ctx, http.MethodPost, "/liquidity/remove", req, &resp); err != nil {
		return domain.RemovedLiquidity{}, fmt.Errorf("amm: remove liquidity %s: %w", p.Handle, err)
	}
	var out domain.RemovedLiquidity
	if err := parseAmountInto(&out.AmountX, "amount_x", resp.AmountX, true); err != nil {
		return domain.RemovedLiquidity{}, fmt.Errorf("amm: remove liquidity %s: %w", p.Handle, err)
	}
	if err := parseAmountInto(&out.AmountY, "amount_y", resp.AmountY, true); err != nil {
		return domain.RemovedLiquidity{}, fmt.Errorf("amm: remove liquidity %s: %w", p.Handle, err)
	}
	return out, nil
}

// Swap sends amountIn of tokenIn to the AMM with a swap message attached.
func (c *Client) Swap(ctx context.Context, tokenIn string, amountIn *uint256.Int, actions []domain.SwapAction) (*uint256.Int, error) {
	if len(actions) == 0 {
		return nil, fmt.Errorf("amm: swap: no actions")
	}
	msg, err := EncodeSwapMessage(actions)
	if err != nil {
		return nil, fmt.Errorf("amm: swap: encode message: %w", err)
	}
	req := transferCallRequest{
		ReceiverID: c.account,
		Amount:     amountIn.Dec(),
		Msg:        msg,
	}
	var resp transferCallResponse
	path := "/tokens/" + url.PathEscape(tokenIn) + "/transfer_call"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("amm: swap %s: %w", tokenIn, err)
	}
	out := new(uint256.Int)
	if err := parseAmountInto(out, "amount_out", resp.AmountOut, true); err != nil {
		return nil, fmt.Errorf("amm: swap %s: %w", tokenIn, err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// do sends a signed JSON request and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "amm"); err != nil {
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
	req.Header.Set(HeaderAccount, c.account)
	if c.signer != nil {
		ts := c.now().Unix()
		sig, err := c.signer.SignRequest(method, path, payload, ts)
		if err != nil {
			return err
		}
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, sig)
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
