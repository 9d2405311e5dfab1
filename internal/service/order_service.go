package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/formula"
	"github.com/alanyoungcy/marginbot/internal/saga"
)

// Submitter runs a saga to completion. Implemented by executor.Executor.
type Submitter interface {
	Submit(ctx context.Context, s saga.Saga) (saga.Result, error)
}

// FeeSchedule is the basis-point trading fee quoted in order views.
type FeeSchedule struct {
	TotalBps    uint32
	ReferralBps uint32
}

// RateLimit caps order submissions per account. A zero Limit disables it.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// OrderService is the entry point for every order operation.
type OrderService struct {
	exec    Submitter
	orders  domain.OrderStore
	pairs   domain.PairStore
	prices  domain.PriceStore
	markets domain.MarketDataStore
	limiter domain.RateLimiter // optional
	blocks  saga.BlockSource
	cfg     saga.Config
	fees    FeeSchedule
	limit   RateLimit
	logger  *slog.Logger
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	exec Submitter,
	orders domain.OrderStore,
	pairs domain.PairStore,
	prices domain.PriceStore,
	markets domain.MarketDataStore,
	blocks saga.BlockSource,
	cfg saga.Config,
	fees FeeSchedule,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		exec:    exec,
		orders:  orders,
		pairs:   pairs,
		prices:  prices,
		markets: markets,
		blocks:  blocks,
		cfg:     cfg,
		fees:    fees,
		logger:  logger.With(slog.String("component", "order_service")),
	}
}

// WithRateLimit throttles order operations per caller.
func (s *OrderService) WithRateLimit(limiter domain.RateLimiter, limit RateLimit) *OrderService {
	s.limiter, s.limit = limiter, limit
	return s
}

func (s *OrderService) allow(ctx context.Context, caller string) error {
	if s.limiter == nil || s.limit.Limit <= 0 || caller == "" {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "orders:"+caller, s.limit.Limit, s.limit.Window)
	if err != nil {
		// A limiter outage must not stop trading.
		s.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return fmt.Errorf("order_service: %s: %w", caller, domain.ErrRateLimited)
	}
	return nil
}

// Create opens a leveraged order and returns it once it is recorded.
func (s *OrderService) Create(ctx context.Context, req saga.CreateRequest) (domain.Order, error) {
	if err := s.allow(ctx, req.Owner); err != nil {
		return domain.Order{}, err
	}
	res, err := s.exec.Submit(ctx, saga.NewCreate(req))
	if err != nil {
		return domain.Order{}, err
	}
	return res.Order, nil
}

// Cancel closes an order on behalf of its owner.
func (s *OrderService) Cancel(ctx context.Context, orderID uint64, caller string, fees saga.FeeOverrides) (saga.Result, error) {
	if err := s.allow(ctx, caller); err != nil {
		return saga.Result{}, err
	}
	return s.exec.Submit(ctx, saga.NewClose(saga.CloseRequest{
		Kind: domain.SagaCancel, OrderID: orderID, Caller: caller, Fees: fees,
	}))
}

// Liquidate closes an under-collateralised order. Any caller may liquidate.
func (s *OrderService) Liquidate(ctx context.Context, orderID uint64, caller string, fees saga.FeeOverrides) (saga.Result, error) {
	if err := s.allow(ctx, caller); err != nil {
		return saga.Result{}, err
	}
	return s.exec.Submit(ctx, saga.NewClose(saga.CloseRequest{
		Kind: domain.SagaLiquidate, OrderID: orderID, Caller: caller, Fees: fees,
	}))
}

// Execute fills a resting order and rewards the caller.
func (s *OrderService) Execute(ctx context.Context, orderID uint64, caller string) (saga.Result, error) {
	if err := s.allow(ctx, caller); err != nil {
		return saga.Result{}, err
	}
	return s.exec.Submit(ctx, saga.NewExecute(saga.ExecuteRequest{OrderID: orderID, Caller: caller}))
}

func (s *OrderService) Get(ctx context.Context, id uint64) (domain.Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get %d: %w", id, err)
	}
	return o, nil
}

func (s *OrderService) ListByUser(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Order, error) {
	orders, err := s.orders.ListByUser(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("order_service: list %s: %w", owner, err)
	}
	return orders, nil
}

// PnLView is the live PnL of a pending order.
type PnLView struct {
	IsProfit bool            `json:"is_profit"`
	Amount   decimal.Decimal `json:"amount"`
}

// FeeView is the trading fee on an order's amount and how it splits. It is a
// quote only; sagas never debit it.
type FeeView struct {
	Total    string `json:"total"`
	Exchange string `json:"exchange"`
	Referral string `json:"referral"`
}

// OrderView is an order with the figures derived from current market state.
// Figures that cannot be computed are omitted and explained in Notes.
type OrderView struct {
	Order            domain.OrderRecord `json:"order"`
	PnL              *PnLView           `json:"pnl,omitempty"`
	LiquidationPrice *decimal.Decimal   `json:"liquidation_price,omitempty"`
	Liquidatable     bool               `json:"liquidatable"`
	Fee              FeeView            `json:"fee"`
	Notes            []string           `json:"notes,omitempty"`
}

// View returns the order with its live PnL and liquidation price.
func (s *OrderService) View(ctx context.Context, id uint64, overrides saga.FeeOverrides) (OrderView, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	v := OrderView{Order: o.Record(), Fee: s.feeView(&o.Amount)}
	if o.Status.IsTerminal() {
		return v, nil
	}

	fees := formula.Fees{SwapFee: s.cfg.SwapFee, PriceImpact: s.cfg.PriceImpact, ProtocolFee: s.cfg.ProtocolFee}
	if overrides.SwapFee != nil {
		fees.SwapFee = *overrides.SwapFee
	}
	if overrides.PriceImpact != nil {
		fees.PriceImpact = *overrides.PriceImpact
	}

	md, rateKnown := domain.MarketData{Token: o.BuyToken}, true
	if o.Leverage.GreaterThan(decimal.One()) {
		stored, err := s.markets.GetMarketData(ctx, o.BuyToken)
		if err != nil {
			rateKnown = false
			v.Notes = append(v.Notes, "borrow rate unavailable: "+err.Error())
		} else {
			md = stored
		}
	}
	block := s.blocks.CurrentBlock()

	if rateKnown {
		borrowFee, err := formula.BorrowFee(md.BorrowRateRatio, o.Block, block)
		if err == nil {
			var lp decimal.Decimal
			lp, err = formula.LiquidationPrice(&o.Amount, o.SellTokenPrice, o.BuyTokenPrice, o.Leverage, borrowFee, fees.SwapFee)
			if err == nil {
				v.LiquidationPrice = &lp
			}
		}
		if err != nil {
			v.Notes = append(v.Notes, "liquidation price: "+err.Error())
		}
	}

	price, err := s.prices.GetPrice(ctx, o.BuyToken)
	switch {
	case err != nil:
		v.Notes = append(v.Notes, "current price unavailable: "+err.Error())
	case !rateKnown:
	default:
		pnl, err := formula.ComputePnL(formula.InputFromOrder(o, price.Value, md, block, fees))
		if err != nil {
			v.Notes = append(v.Notes, "pnl: "+err.Error())
			break
		}
		v.PnL = &PnLView{IsProfit: pnl.IsProfit, Amount: pnl.Amount}
		if v.Liquidatable, err = formula.Liquidatable(o, pnl, s.cfg.LiquidationThreshold); err != nil {
			v.Notes = append(v.Notes, "liquidation check: "+err.Error())
		}
	}
	return v, nil
}

func (s *OrderService) feeView(amount *uint256.Int) FeeView {
	total := formula.TradeFee(amount, s.fees.TotalBps)
	exchangeBps := uint32(0)
	if s.fees.TotalBps > s.fees.ReferralBps {
		exchangeBps = s.fees.TotalBps - s.fees.ReferralBps
	}
	exchange, referral := formula.SplitFee(total, exchangeBps, s.fees.ReferralBps)
	return FeeView{Total: total.Dec(), Exchange: exchange.Dec(), Referral: referral.Dec()}
}
