// Package formula holds the PnL, liquidation-price and fee computations used
// when closing and viewing orders.
package formula

import (
	"fmt"

	"github.com/alanyoungcy/marginbot/internal/decimal"
)

// VolatilityRate is the maintenance-margin fraction of collateral used by
// LiquidationPrice.
var VolatilityRate = decimal.MustFromString("0.95")

// calc chains Decimal operations and keeps the first error. Every method is a
// no-op once an error has been recorded.
type calc struct {
	err error
}

func (c *calc) fail(op string, err error) {
	if c.err == nil && err != nil {
		c.err = fmt.Errorf("formula: %s: %w", op, err)
	}
}

func (c *calc) add(a, b decimal.Decimal) decimal.Decimal {
	if c.err != nil {
		return decimal.Zero()
	}
	v, err := a.Add(b)
	c.fail("add", err)
	return v
}

func (c *calc) sub(a, b decimal.Decimal) decimal.Decimal {
	if c.err != nil {
		return decimal.Zero()
	}
	v, err := a.Sub(b)
	c.fail("sub", err)
	return v
}

func (c *calc) mul(a, b decimal.Decimal) decimal.Decimal {
	if c.err != nil {
		return decimal.Zero()
	}
	v, err := a.Mul(b)
	c.fail("mul", err)
	return v
}

func (c *calc) div(a, b decimal.Decimal) decimal.Decimal {
	if c.err != nil {
		return decimal.Zero()
	}
	v, err := a.Div(b)
	c.fail("div", err)
	return v
}

// discount returns 1 - f for a fraction f that must not exceed 1.
func (c *calc) discount(name string, f decimal.Decimal) decimal.Decimal {
	if c.err != nil {
		return decimal.Zero()
	}
	v, err := f.OneMinus()
	c.fail(name+" must be a fraction", err)
	return v
}
