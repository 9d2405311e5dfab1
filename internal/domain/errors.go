package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrUnavailable   = errors.New("engine not running")

	ErrInvalidOrder          = errors.New("invalid order parameters")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrWrongOwner            = errors.New("order belongs to another account")
	ErrOrderTerminal         = errors.New("order not pending/already terminal")
	ErrUnsupportedPair       = errors.New("unsupported trade pair")
	ErrUnsupportedToken      = errors.New("unsupported token")
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrSagaInFlight          = errors.New("another operation is in flight for this order")
	ErrPoolNotTradeable      = errors.New("pool not tradeable")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrExternalCall          = errors.New("external call failed")
	ErrMalformedResponse     = errors.New("malformed external response")
	ErrNotEligible           = errors.New("order not eligible for liquidation")
)

// SagaKind names a top-level order operation.
type SagaKind string

const (
	SagaCreate    SagaKind = "create"
	SagaCancel    SagaKind = "cancel"
	SagaExecute   SagaKind = "execute"
	SagaLiquidate SagaKind = "liquidate"
)

// SagaError is the failure surface of a saga: which step failed and why.
// Reconcile is set when an external side effect committed by an earlier step
// was left in place and needs manual reconciliation.
type SagaError struct {
	Kind      SagaKind
	Step      string
	OrderID   uint64
	Reconcile bool
	Err       error
}

func (e *SagaError) Error() string {
	msg := fmt.Sprintf("%s saga failed at %s: %v", e.Kind, e.Step, e.Err)
	if e.Reconcile {
		msg += " (unreconciled side effect)"
	}
	return msg
}

func (e *SagaError) Unwrap() error { return e.Err }

// IsPrecondition reports whether err was rejected before any external call.
// A failed external call is never a precondition, even when the remote side
// answered not found.
func IsPrecondition(err error) bool {
	if IsExternal(err) {
		return false
	}
	for _, target := range []error{
		ErrNotFound, ErrInvalidOrder, ErrInsufficientBalance, ErrWrongOwner,
		ErrOrderTerminal, ErrUnsupportedPair, ErrUnsupportedToken,
		ErrPriceUnavailable, ErrSagaInFlight, ErrLockHeld,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsExternal reports whether err came from the AMM or the lending market.
func IsExternal(err error) bool {
	return errors.Is(err, ErrExternalCall) || errors.Is(err, ErrMalformedResponse)
}
