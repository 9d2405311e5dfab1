// Package sagatest provides in-memory AMM and lending market fakes for tests
// that drive sagas end to end.
package sagatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

// AMM is a scripted domain.AMM. Positions added through AddLiquidity are
// remembered and returned by GetLiquidity; RemoveLiquidity pays out Removed
// when set, or the position's own amounts otherwise.
type AMM struct {
	mu sync.Mutex

	Pool      domain.PoolInfo
	Removed   *domain.RemovedLiquidity
	SwapOut   *uint256.Int // nil echoes amount_in
	positions map[string]domain.LiquidityInfo
	nextID    int

	// Err* make the next matching call fail once.
	ErrGetPool   error
	ErrAdd       error
	ErrGetLiq    error
	ErrRemove    error
	ErrSwap      error
	Calls        []string
	AddParams    []domain.AddLiquidityParams
	RemoveParams []domain.RemoveLiquidityParams
	Swaps        []domain.SwapAction

	// Block, when set, is received from before every call returns.
	Block chan struct{}
}

var _ domain.AMM = (*AMM)(nil)

// NewAMM returns an AMM serving a running pool of tokenX/tokenY.
func NewAMM(poolID, tokenX, tokenY string) *AMM {
	pool := domain.PoolInfo{
		PoolID:       poolID,
		TokenX:       tokenX,
		TokenY:       tokenY,
		State:        domain.PoolStateRunning,
		PointDelta:   40,
		CurrentPoint: 100,
		Fee:          2000,
	}
	pool.Liquidity.SetUint64(1 << 60)
	return &AMM{Pool: pool, positions: make(map[string]domain.LiquidityInfo)}
}

func (a *AMM) enter(ctx context.Context, name string) error {
	a.mu.Lock()
	a.Calls = append(a.Calls, name)
	block := a.Block
	a.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func takeErr(p *error) error {
	err := *p
	*p = nil
	return err
}

// Count returns how often the named call was made.
func (a *AMM) Count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func (a *AMM) GetPool(ctx context.Context, poolID string) (domain.PoolInfo, error) {
	if err := a.enter(ctx, "get_pool"); err != nil {
		return domain.PoolInfo{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := takeErr(&a.ErrGetPool); err != nil {
		return domain.PoolInfo{}, err
	}
	if poolID != a.Pool.PoolID {
		return domain.PoolInfo{}, fmt.Errorf("pool %s: %w: %w", poolID, domain.ErrExternalCall, domain.ErrNotFound)
	}
	return a.Pool, nil
}

func (a *AMM) GetLiquidity(ctx context.Context, handle string) (domain.LiquidityInfo, error) {
	if err := a.enter(ctx, "get_liquidity"); err != nil {
		return domain.LiquidityInfo{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := takeErr(&a.ErrGetLiq); err != nil {
		return domain.LiquidityInfo{}, err
	}
	info, ok := a.positions[handle]
	if !ok {
		return domain.LiquidityInfo{}, fmt.Errorf("liquidity %s: %w: %w", handle, domain.ErrExternalCall, domain.ErrNotFound)
	}
	return info, nil
}

func (a *AMM) AddLiquidity(ctx context.Context, p domain.AddLiquidityParams) (string, error) {
	if err := a.enter(ctx, "add_liquidity"); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := takeErr(&a.ErrAdd); err != nil {
		return "", err
	}
	a.AddParams = append(a.AddParams, p)
	a.nextID++
	handle := fmt.Sprintf("%s#%d", p.PoolID, a.nextID)
	info := domain.LiquidityInfo{
		Handle:     handle,
		PoolID:     p.PoolID,
		LeftPoint:  p.LeftPoint,
		RightPoint: p.RightPoint,
		AmountX:    p.AmountX,
		AmountY:    p.AmountY,
	}
	info.Amount.Add(&p.AmountX, &p.AmountY)
	a.positions[handle] = info
	return handle, nil
}

func (a *AMM) RemoveLiquidity(ctx context.Context, p domain.RemoveLiquidityParams) (domain.RemovedLiquidity, error) {
	if err := a.enter(ctx, "remove_liquidity"); err != nil {
		return domain.RemovedLiquidity{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := takeErr(&a.ErrRemove); err != nil {
		return domain.RemovedLiquidity{}, err
	}
	a.RemoveParams = append(a.RemoveParams, p)
	info, ok := a.positions[p.Handle]
	if !ok {
		return domain.RemovedLiquidity{}, fmt.Errorf("liquidity %s: %w: %w", p.Handle, domain.ErrExternalCall, domain.ErrNotFound)
	}
	delete(a.positions, p.Handle)
	if a.Removed != nil {
		return *a.Removed, nil
	}
	return domain.RemovedLiquidity{AmountX: info.AmountX, AmountY: info.AmountY}, nil
}

func (a *AMM) Swap(ctx context.Context, _ string, amountIn *uint256.Int, actions []domain.SwapAction) (*uint256.Int, error) {
	if err := a.enter(ctx, "swap"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := takeErr(&a.ErrSwap); err != nil {
		return nil, err
	}
	a.Swaps = append(a.Swaps, actions...)
	if a.SwapOut != nil {
		return new(uint256.Int).Set(a.SwapOut), nil
	}
	return new(uint256.Int).Set(amountIn), nil
}

// Lending is a scripted domain.LendingMarket.
type Lending struct {
	mu sync.Mutex

	Market    domain.MarketData
	Granted   *uint256.Int // nil grants the full request
	ErrView   error
	ErrBorrow error
	ErrRepay  error
	Borrowed  uint256.Int
	Repaid    uint256.Int
	Calls     []string
}

var _ domain.LendingMarket = (*Lending)(nil)

// NewLending returns a market with ample supply and a zero borrow rate.
func NewLending(token string) *Lending {
	md := domain.MarketData{Token: token, ExchangeRateRatio: decimal.One()}
	md.TotalSupplies.SetUint64(1 << 50)
	return &Lending{Market: md}
}

func (l *Lending) Borrow(_ context.Context, _ string, amount *uint256.Int) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls = append(l.Calls, "borrow")
	if err := takeErr(&l.ErrBorrow); err != nil {
		return nil, err
	}
	got := new(uint256.Int).Set(amount)
	if l.Granted != nil {
		got.Set(l.Granted)
	}
	l.Borrowed.Add(&l.Borrowed, got)
	return got, nil
}

func (l *Lending) Repay(_ context.Context, _ string, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls = append(l.Calls, "repay")
	if err := takeErr(&l.ErrRepay); err != nil {
		return err
	}
	l.Repaid.Add(&l.Repaid, amount)
	return nil
}

func (l *Lending) ViewMarketData(_ context.Context, _ string) (domain.MarketData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls = append(l.Calls, "view_market_data")
	if err := takeErr(&l.ErrView); err != nil {
		return domain.MarketData{}, err
	}
	return l.Market, nil
}
