package amm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/crypto"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "engine.near")
}

func TestGetPool(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pools/usdt|wnear|2000", r.URL.Path)
		_, _ = io.WriteString(w, `{"pool_id":"usdt|wnear|2000","token_x":"usdt","token_y":"wnear",
			"state":"Running","point_delta":40,"current_point":-12345,
			"total_x":"1000000","total_y":"250000","liquidity":"99","fee":2000}`)
	})

	pool, err := c.GetPool(context.Background(), "usdt|wnear|2000")
	require.NoError(t, err)
	assert.True(t, pool.Tradeable())
	assert.Equal(t, int32(40), pool.PointDelta)
	assert.Equal(t, int32(-12345), pool.CurrentPoint)
	assert.Equal(t, "1000000", pool.TotalX.Dec())
}

func TestGetPoolMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":      `<html>`,
		"missing state": `{"pool_id":"p","point_delta":1,"current_point":0,"total_x":"1","total_y":"1"}`,
		"bad amount":    `{"pool_id":"p","state":"Running","point_delta":1,"current_point":0,"total_x":"-1","total_y":"1"}`,
		"zero delta":    `{"pool_id":"p","state":"Running","point_delta":0,"current_point":0,"total_x":"1","total_y":"1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := c.GetPool(context.Background(), "p")
			assert.ErrorIs(t, err, domain.ErrMalformedResponse)
		})
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:            domain.ErrNotFound,
		http.StatusForbidden:           domain.ErrUnauthorized,
		http.StatusTooManyRequests:     domain.ErrRateLimited,
		http.StatusInternalServerError: domain.ErrExternalCall,
	}
	for code, want := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", code)
		})
		_, err := c.GetLiquidity(context.Background(), "lpt-1")
		assert.ErrorIs(t, err, want, "status %d", code)
		assert.ErrorIs(t, err, domain.ErrExternalCall, "status %d", code)
		assert.False(t, domain.IsPrecondition(err), "status %d", code)
	}
}

func TestAddLiquiditySignsRequest(t *testing.T) {
	signer, err := crypto.NewSigner(testKey)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		require.NoError(t, err)
		addr, err := crypto.RecoverRequestSigner(r.Method, r.URL.Path, body, ts, r.Header.Get(HeaderSignature))
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), addr)
		assert.Equal(t, "engine.near", r.Header.Get(HeaderAccount))

		var req addLiquidityRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "2020", req.AmountX)
		assert.Equal(t, "2010", req.MinAmountX)
		assert.Equal(t, int32(40), req.LeftPoint)
		_, _ = io.WriteString(w, `{"lpt_id":"usdt|wnear|2000#7"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "engine.near", WithSigner(signer))
	handle, err := c.AddLiquidity(context.Background(), domain.AddLiquidityParams{
		PoolID:     "usdt|wnear|2000",
		LeftPoint:  40,
		RightPoint: 80,
		AmountX:    *uint256.NewInt(2020),
		MinAmountX: *uint256.NewInt(2010),
	})
	require.NoError(t, err)
	assert.Equal(t, "usdt|wnear|2000#7", handle)
}

func TestAddLiquidityEmptyHandle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"lpt_id":""}`)
	})
	_, err := c.AddLiquidity(context.Background(), domain.AddLiquidityParams{PoolID: "p"})
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestRemoveLiquidity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req removeLiquidityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "lpt-1", req.LptID)
		assert.Equal(t, "0", req.MinAmountX)
		_, _ = io.WriteString(w, `{"amount_x":"1500","amount_y":"120"}`)
	})
	got, err := c.RemoveLiquidity(context.Background(), domain.RemoveLiquidityParams{Handle: "lpt-1", Amount: *uint256.NewInt(10)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), got.AmountX.Uint64())
	assert.Equal(t, uint64(120), got.AmountY.Uint64())
}

func TestSwapSendsTransferCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tokens/wnear/transfer_call", r.URL.Path)
		var req transferCallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "engine.near", req.ReceiverID)
		assert.Equal(t, "120", req.Amount)
		assert.JSONEq(t, `{"force":true,"actions":[{"pool_id":"usdt|wnear|2000","token_in":"wnear",
			"amount_in":"120","token_out":"usdt","min_amount_out":"500"}]}`, req.Msg)
		_, _ = io.WriteString(w, `{"amount_out":"503"}`)
	})

	out, err := c.Swap(context.Background(), "wnear", uint256.NewInt(120), []domain.SwapAction{{
		PoolID:       "usdt|wnear|2000",
		TokenIn:      "wnear",
		AmountIn:     *uint256.NewInt(120),
		TokenOut:     "usdt",
		MinAmountOut: *uint256.NewInt(500),
	}})
	require.NoError(t, err)
	assert.Equal(t, uint64(503), out.Uint64())
}
