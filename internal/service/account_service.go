package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
)

// TokenChecker reports whether a token may be held in the ledger.
type TokenChecker interface {
	SupportsToken(ctx context.Context, token string) (bool, error)
}

// AccountService moves funds in and out of the ledger.
type AccountService struct {
	ledger   *ledger.Ledger
	tokens   TokenChecker
	reserved func(owner, token string) *uint256.Int
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewAccountService creates an AccountService. reserved reports funds held
// by running sagas; withdrawals never touch them.
func NewAccountService(
	l *ledger.Ledger,
	tokens TokenChecker,
	reserved func(owner, token string) *uint256.Int,
	audit domain.AuditStore,
	logger *slog.Logger,
) *AccountService {
	return &AccountService{
		ledger:   l,
		tokens:   tokens,
		reserved: reserved,
		audit:    audit,
		logger:   logger.With(slog.String("component", "account_service")),
	}
}

// Deposit credits owner with amount of token. Only tokens traded by a
// supported pair are accepted.
func (s *AccountService) Deposit(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	if owner == "" || amount.IsZero() {
		return nil, fmt.Errorf("account_service: deposit: %w: owner and a positive amount are required", domain.ErrInvalidOrder)
	}
	ok, err := s.tokens.SupportsToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("account_service: deposit: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("account_service: deposit: %w: %s", domain.ErrUnsupportedToken, token)
	}
	bal, err := s.ledger.Increase(ctx, owner, token, amount)
	if err != nil {
		return nil, fmt.Errorf("account_service: deposit: %w", err)
	}
	s.record(ctx, "deposit", owner, token, amount)
	return bal, nil
}

// Withdraw debits owner by amount of token, leaving funds reserved by running
// sagas in place.
func (s *AccountService) Withdraw(ctx context.Context, owner, token string, amount *uint256.Int) (*uint256.Int, error) {
	if owner == "" || amount.IsZero() {
		return nil, fmt.Errorf("account_service: withdraw: %w: owner and a positive amount are required", domain.ErrInvalidOrder)
	}
	reserved := new(uint256.Int)
	if s.reserved != nil {
		reserved = s.reserved(owner, token)
	}
	avail, err := s.ledger.Available(ctx, owner, token, reserved)
	if err != nil {
		return nil, fmt.Errorf("account_service: withdraw: %w", err)
	}
	if !ledger.CanDebit(avail, amount) {
		return nil, fmt.Errorf("account_service: withdraw: %w: %s available (%s reserved), %s requested",
			domain.ErrInsufficientBalance, avail.Dec(), reserved.Dec(), amount.Dec())
	}
	bal, err := s.ledger.Decrease(ctx, owner, token, amount)
	if err != nil {
		return nil, fmt.Errorf("account_service: withdraw: %w", err)
	}
	s.record(ctx, "withdraw", owner, token, amount)
	return bal, nil
}

func (s *AccountService) Balance(ctx context.Context, owner, token string) (*uint256.Int, error) {
	bal, err := s.ledger.Balance(ctx, owner, token)
	if err != nil {
		return nil, fmt.Errorf("account_service: balance: %w", err)
	}
	return bal, nil
}

func (s *AccountService) record(ctx context.Context, event, owner, token string, amount *uint256.Int) {
	s.logger.InfoContext(ctx, event,
		slog.String("owner", owner),
		slog.String("token", token),
		slog.String("amount", amount.Dec()),
	)
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, map[string]any{"owner": owner, "token": token, "amount": amount.Dec()}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// ProfitService reports and resets the protocol's accumulated profit.
type ProfitService struct {
	profits domain.ProfitStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewProfitService creates a ProfitService.
func NewProfitService(profits domain.ProfitStore, audit domain.AuditStore, logger *slog.Logger) *ProfitService {
	return &ProfitService{profits: profits, audit: audit, logger: logger.With(slog.String("component", "profit_service"))}
}

func (s *ProfitService) List(ctx context.Context) (map[string]*uint256.Int, error) {
	p, err := s.profits.ListProfits(ctx)
	if err != nil {
		return nil, fmt.Errorf("profit_service: list: %w", err)
	}
	return p, nil
}

// Reset zeroes the profit of token, typically after it has been swept.
func (s *ProfitService) Reset(ctx context.Context, token string) error {
	before, err := s.profits.Profit(ctx, token)
	if err != nil {
		return fmt.Errorf("profit_service: reset %s: %w", token, err)
	}
	if err := s.profits.ResetProfit(ctx, token); err != nil {
		return fmt.Errorf("profit_service: reset %s: %w", token, err)
	}
	s.logger.InfoContext(ctx, "profit reset", slog.String("token", token), slog.String("amount", before.Dec()))
	if s.audit != nil {
		if err := s.audit.Log(ctx, "profit_reset", map[string]any{"token": token, "amount": before.Dec()}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
