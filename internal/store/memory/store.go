// Package memory provides in-process implementations of every domain
// repository. It backs the engine when no database is configured and serves
// as the reference behaviour for the postgres stores in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
)

var (
	_ domain.OrderStore      = (*Store)(nil)
	_ domain.BalanceStore    = (*Store)(nil)
	_ domain.ProfitStore     = (*Store)(nil)
	_ domain.PairStore       = (*Store)(nil)
	_ domain.PriceStore      = (*Store)(nil)
	_ domain.MarketDataStore = (*Store)(nil)
	_ domain.CheckpointStore = (*Store)(nil)
	_ domain.SettlementStore = (*Store)(nil)
	_ domain.AuditStore      = (*Store)(nil)
)

type balanceKey struct {
	owner string
	token string
}

// Store keeps all state in maps guarded by one mutex.
type Store struct {
	mu          sync.RWMutex
	lastID      uint64
	orders      map[uint64]domain.Order
	balances    map[balanceKey]uint256.Int
	profits     map[string]uint256.Int
	pairs       map[string]domain.TradePair
	prices      map[string]domain.Price
	markets     map[string]domain.MarketData
	checkpoints map[uint64]domain.Checkpoint
	audit       []domain.AuditEntry
	now         func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		orders:      make(map[uint64]domain.Order),
		balances:    make(map[balanceKey]uint256.Int),
		profits:     make(map[string]uint256.Int),
		pairs:       make(map[string]domain.TradePair),
		prices:      make(map[string]domain.Price),
		markets:     make(map[string]domain.MarketData),
		checkpoints: make(map[uint64]domain.Checkpoint),
		now:         time.Now,
	}
}

// ---------------------------------------------------------------------------
// OrderStore
// ---------------------------------------------------------------------------

// NextID allocates the next order id. Ids are never reused, even when the
// saga that reserved one fails.
func (s *Store) NextID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID, nil
}

func (s *Store) Get(_ context.Context, owner string, id uint64) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok || o.Owner != owner {
		return domain.Order{}, fmt.Errorf("memory: order %d of %s: %w", id, owner, domain.ErrNotFound)
	}
	return o, nil
}

func (s *Store) GetByID(_ context.Context, id uint64) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: order %d: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

func (s *Store) ListByUser(_ context.Context, owner string, opts domain.ListOpts) ([]domain.Order, error) {
	return s.filterOrders(opts, func(o domain.Order) bool { return o.Owner == owner }), nil
}

func (s *Store) ListPending(_ context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	return s.filterOrders(opts, func(o domain.Order) bool { return o.Status == domain.OrderStatusPending }), nil
}

func (s *Store) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Order, error) {
	return s.filterOrders(domain.ListOpts{}, func(o domain.Order) bool {
		return o.ClosedAt != nil && o.ClosedAt.Before(before)
	}), nil
}

func (s *Store) filterOrders(opts domain.ListOpts, keep func(domain.Order) bool) []domain.Order {
	s.mu.RLock()
	out := make([]domain.Order, 0)
	for _, o := range s.orders {
		if !keep(o) {
			continue
		}
		if opts.Since != nil && o.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !o.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, opts)
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// ---------------------------------------------------------------------------
// BalanceStore
// ---------------------------------------------------------------------------

func (s *Store) Balance(_ context.Context, owner, token string) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal := s.balances[balanceKey{owner, token}]
	return new(uint256.Int).Set(&bal), nil
}

func (s *Store) Increase(_ context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey{owner, token}
	bal := s.balances[key]
	next, overflow := new(uint256.Int).AddOverflow(&bal, amount)
	if overflow {
		return nil, fmt.Errorf("memory: balance %s/%s overflow: %w", owner, token, domain.ErrInvalidOrder)
	}
	s.balances[key] = *next
	return new(uint256.Int).Set(next), nil
}

func (s *Store) Decrease(_ context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey{owner, token}
	bal := s.balances[key]
	if !ledger.CanDebit(&bal, amount) {
		return nil, fmt.Errorf("memory: debit %s of %s/%s (balance %s): %w",
			amount.Dec(), owner, token, bal.Dec(), domain.ErrInsufficientBalance)
	}
	next := new(uint256.Int).Sub(&bal, amount)
	s.balances[key] = *next
	return new(uint256.Int).Set(next), nil
}

// ---------------------------------------------------------------------------
// ProfitStore
// ---------------------------------------------------------------------------

func (s *Store) Profit(_ context.Context, token string) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.profits[token]
	return new(uint256.Int).Set(&p), nil
}

func (s *Store) ListProfits(_ context.Context) (map[string]*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*uint256.Int, len(s.profits))
	for token, p := range s.profits {
		out[token] = new(uint256.Int).Set(&p)
	}
	return out, nil
}

func (s *Store) ResetProfit(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profits, token)
	return nil
}

// ---------------------------------------------------------------------------
// PairStore
// ---------------------------------------------------------------------------

func (s *Store) AddPair(_ context.Context, pair domain.TradePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[pair.ID]; ok {
		return fmt.Errorf("memory: pair %s: %w", pair.ID, domain.ErrAlreadyExists)
	}
	s.pairs[pair.ID] = pair
	return nil
}

func (s *Store) RemovePair(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[id]; !ok {
		return fmt.Errorf("memory: pair %s: %w", id, domain.ErrNotFound)
	}
	delete(s.pairs, id)
	return nil
}

func (s *Store) GetPair(_ context.Context, id string) (domain.TradePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[id]
	if !ok {
		return domain.TradePair{}, fmt.Errorf("memory: pair %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPairs(_ context.Context) ([]domain.TradePair, error) {
	s.mu.RLock()
	out := make([]domain.TradePair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// PriceStore / MarketDataStore
// ---------------------------------------------------------------------------

func (s *Store) SetPrices(_ context.Context, prices []domain.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prices {
		s.prices[p.Token] = p
	}
	return nil
}

func (s *Store) GetPrice(_ context.Context, token string) (domain.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[token]
	if !ok {
		return domain.Price{}, fmt.Errorf("memory: price %s: %w", token, domain.ErrNotFound)
	}
	return p, nil
}

// GetPrices returns the prices it has; missing tokens are simply absent.
func (s *Store) GetPrices(_ context.Context, tokens []string) (map[string]domain.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Price, len(tokens))
	for _, t := range tokens {
		if p, ok := s.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

func (s *Store) PutMarketData(_ context.Context, md domain.MarketData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[md.Token] = md
	return nil
}

func (s *Store) GetMarketData(_ context.Context, token string) (domain.MarketData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.markets[token]
	if !ok {
		return domain.MarketData{}, fmt.Errorf("memory: market data %s: %w", token, domain.ErrNotFound)
	}
	return md, nil
}

// ---------------------------------------------------------------------------
// CheckpointStore
// ---------------------------------------------------------------------------

func (s *Store) GetCheckpoint(_ context.Context, orderID uint64) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[orderID]
	if !ok {
		return domain.Checkpoint{}, fmt.Errorf("memory: checkpoint %d: %w", orderID, domain.ErrNotFound)
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	s.checkpoints[cp.OrderID] = cp
	return nil
}

func (s *Store) DeleteCheckpoint(_ context.Context, orderID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, orderID)
	return nil
}

// ---------------------------------------------------------------------------
// SettlementStore
// ---------------------------------------------------------------------------

// Apply validates the whole settlement before writing any of it.
func (s *Store) Apply(_ context.Context, st domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.orders[st.Order.ID]
	switch {
	case st.Insert && exists:
		return fmt.Errorf("memory: settle order %d: %w", st.Order.ID, domain.ErrAlreadyExists)
	case !st.Insert && !exists:
		return fmt.Errorf("memory: settle order %d: %w", st.Order.ID, domain.ErrNotFound)
	case !st.Insert && existing.Status != domain.OrderStatusPending:
		return fmt.Errorf("memory: settle order %d (%s): %w", st.Order.ID, existing.Status, domain.ErrOrderTerminal)
	}

	next := make(map[balanceKey]uint256.Int)
	current := func(k balanceKey) uint256.Int {
		if v, ok := next[k]; ok {
			return v
		}
		return s.balances[k]
	}
	for _, c := range st.Credits {
		k := balanceKey{c.Owner, c.Token}
		bal := current(k)
		sum, overflow := new(uint256.Int).AddOverflow(&bal, &c.Amount)
		if overflow {
			return fmt.Errorf("memory: settle credit %s/%s overflow: %w", c.Owner, c.Token, domain.ErrInvalidOrder)
		}
		next[k] = *sum
	}
	for _, dbt := range st.Debits {
		k := balanceKey{dbt.Owner, dbt.Token}
		bal := current(k)
		if !ledger.CanDebit(&bal, &dbt.Amount) {
			return fmt.Errorf("memory: settle debit %s of %s/%s: %w",
				dbt.Amount.Dec(), dbt.Owner, dbt.Token, domain.ErrInsufficientBalance)
		}
		next[k] = *new(uint256.Int).Sub(&bal, &dbt.Amount)
	}

	for k, v := range next {
		s.balances[k] = v
	}
	for _, p := range st.Profits {
		cur := s.profits[p.Token]
		s.profits[p.Token] = *new(uint256.Int).Add(&cur, &p.Amount)
	}
	s.orders[st.Order.ID] = st.Order
	if st.Order.ID > s.lastID {
		s.lastID = st.Order.ID
	}
	if st.ClearCheckpoint {
		delete(s.checkpoints, st.Order.ID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// AuditStore
// ---------------------------------------------------------------------------

func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	return nil
}

// List returns entries newest first.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()
	return paginate(out, opts), nil
}

func (s *Store) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0)
	for _, e := range s.audit {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}
