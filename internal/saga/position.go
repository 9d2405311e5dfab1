package saga

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// alignDown rounds point down to a multiple of delta, toward negative
// infinity.
func alignDown(point, delta int32) int32 {
	r := point % delta
	if r < 0 {
		r += delta
	}
	return point - r
}

// rangeFor returns the single-sided range for liquidity in token.
//
// Token X sits entirely above the current point, so the range starts one
// delta above the aligned point. Token Y sits below, so the range ends at
// the aligned point.
func rangeFor(pool domain.PoolInfo, token string) (left, right int32, isX bool, err error) {
	aligned := alignDown(pool.CurrentPoint, pool.PointDelta)
	switch token {
	case pool.TokenX:
		left = aligned + pool.PointDelta
		return left, left + pool.PointDelta, true, nil
	case pool.TokenY:
		right = aligned
		return right - pool.PointDelta, right, false, nil
	default:
		return 0, 0, false, fmt.Errorf("%w: %s not in pool %s", domain.ErrUnsupportedToken, token, pool.PoolID)
	}
}

// sides splits X/Y amounts into (sell, buy) for a pool whose X token is
// sellIsX.
func sides(sellIsX bool, x, y *uint256.Int) (sell, buy *uint256.Int) {
	if sellIsX {
		return x, y
	}
	return y, x
}

// tokenSide reports whether token is the pool's X token.
func tokenSide(pool domain.PoolInfo, token string) (isX bool, err error) {
	switch token {
	case pool.TokenX:
		return true, nil
	case pool.TokenY:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s not in pool %s", domain.ErrUnsupportedToken, token, pool.PoolID)
	}
}
