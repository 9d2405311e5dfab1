package amm

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// apiPool is the GET /pools/{id} response.
type apiPool struct {
	PoolID       string `json:"pool_id"`
	TokenX       string `json:"token_x"`
	TokenY       string `json:"token_y"`
	State        string `json:"state"`
	PointDelta   *int32 `json:"point_delta"`
	CurrentPoint *int32 `json:"current_point"`
	TotalX       string `json:"total_x"`
	TotalY       string `json:"total_y"`
	Liquidity    string `json:"liquidity"`
	Fee          uint32 `json:"fee"`
}

func (p apiPool) toDomain() (domain.PoolInfo, error) {
	if p.PoolID == "" || p.State == "" || p.PointDelta == nil || p.CurrentPoint == nil {
		return domain.PoolInfo{}, fmt.Errorf("%w: pool missing id, state or points", domain.ErrMalformedResponse)
	}
	if *p.PointDelta <= 0 {
		return domain.PoolInfo{}, fmt.Errorf("%w: point_delta %d", domain.ErrMalformedResponse, *p.PointDelta)
	}
	out := domain.PoolInfo{
		PoolID:       p.PoolID,
		TokenX:       p.TokenX,
		TokenY:       p.TokenY,
		State:        p.State,
		PointDelta:   *p.PointDelta,
		CurrentPoint: *p.CurrentPoint,
		Fee:          p.Fee,
	}
	var err error
	if err = parseAmountInto(&out.TotalX, "total_x", p.TotalX, true); err != nil {
		return domain.PoolInfo{}, err
	}
	if err = parseAmountInto(&out.TotalY, "total_y", p.TotalY, true); err != nil {
		return domain.PoolInfo{}, err
	}
	if err = parseAmountInto(&out.Liquidity, "liquidity", p.Liquidity, false); err != nil {
		return domain.PoolInfo{}, err
	}
	return out, nil
}

// apiLiquidity is the GET /liquidity/{handle} response.
type apiLiquidity struct {
	LptID      string `json:"lpt_id"`
	PoolID     string `json:"pool_id"`
	Amount     string `json:"amount"`
	LeftPoint  int32  `json:"left_point"`
	RightPoint int32  `json:"right_point"`
	AmountX    string `json:"amount_x"`
	AmountY    string `json:"amount_y"`
}

func (l apiLiquidity) toDomain() (domain.LiquidityInfo, error) {
	if l.LptID == "" {
		return domain.LiquidityInfo{}, fmt.Errorf("%w: liquidity missing lpt_id", domain.ErrMalformedResponse)
	}
	out := domain.LiquidityInfo{
		Handle:     l.LptID,
		PoolID:     l.PoolID,
		LeftPoint:  l.LeftPoint,
		RightPoint: l.RightPoint,
	}
	if err := parseAmountInto(&out.Amount, "amount", l.Amount, true); err != nil {
		return domain.LiquidityInfo{}, err
	}
	if err := parseAmountInto(&out.AmountX, "amount_x", l.AmountX, false); err != nil {
		return domain.LiquidityInfo{}, err
	}
	if err := parseAmountInto(&out.AmountY, "amount_y", l.AmountY, false); err != nil {
		return domain.LiquidityInfo{}, err
	}
	return out, nil
}

type addLiquidityRequest struct {
	PoolID     string `json:"pool_id"`
	LeftPoint  int32  `json:"left_point"`
	RightPoint int32  `json:"right_point"`
	AmountX    string `json:"amount_x"`
	AmountY    string `json:"amount_y"`
	MinAmountX string `json:"min_amount_x"`
	MinAmountY string `json:"min_amount_y"`
}

type addLiquidityResponse struct {
	LptID string `json:"lpt_id"`
}

type removeLiquidityRequest struct {
	LptID      string `json:"lpt_id"`
	Amount     string `json:"amount"`
	MinAmountX string `json:"min_amount_x"`
	MinAmountY string `json:"min_amount_y"`
}

type removeLiquidityResponse struct {
	AmountX string `json:"amount_x"`
	AmountY string `json:"amount_y"`
}

// SwapMessage is the instruction attached to a transfer_call. The AMM decodes
// it from the transfer's msg field.
type SwapMessage struct {
	Force   bool            `json:"force"`
	Actions []SwapActionMsg `json:"actions"`
}

// SwapActionMsg is one action of a SwapMessage.
type SwapActionMsg struct {
	PoolID       string `json:"pool_id"`
	TokenIn      string `json:"token_in"`
	AmountIn     string `json:"amount_in"`
	TokenOut     string `json:"token_out"`
	MinAmountOut string `json:"min_amount_out"`
}

// EncodeSwapMessage renders actions as the transfer_call msg string.
func EncodeSwapMessage(actions []domain.SwapAction) (string, error) {
	msg := SwapMessage{Force: true, Actions: make([]SwapActionMsg, 0, len(actions))}
	for _, a := range actions {
		msg.Actions = append(msg.Actions, SwapActionMsg{
			PoolID:       a.PoolID,
			TokenIn:      a.TokenIn,
			AmountIn:     a.AmountIn.Dec(),
			TokenOut:     a.TokenOut,
			MinAmountOut: a.MinAmountOut.Dec(),
		})
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type transferCallRequest struct {
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Msg        string `json:"msg"`
}

type transferCallResponse struct {
	AmountOut string `json:"amount_out"`
}

// parseAmountInto decodes a base-10 token amount. Empty input is an error
// only when required is set; otherwise it leaves dst at zero.
func parseAmountInto(dst *uint256.Int, field, s string, required bool) error {
	if s == "" {
		if required {
			return fmt.Errorf("%w: missing %s", domain.ErrMalformedResponse, field)
		}
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", domain.ErrMalformedResponse, field, s, err)
	}
	dst.Set(v)
	return nil
}
