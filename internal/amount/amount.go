// Package amount provides fixed-point arithmetic for AGNT balances.
//
// AGNT amounts are stored as a decimal string in the database and as a
// big.Int of smallest units (1 AGNT = 10^8 units) in memory, following the
// same shape as a USDC ledger but with 8 fractional digits instead of 6 to
// meet the platform's precision requirement.
package amount

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits AGNT amounts carry.
const Decimals = 8

// Amount is a non-negative fixed-point value in smallest AGNT units.
type Amount struct {
	v *big.Int
}

// Zero is the additive identity.
func Zero() Amount { return Amount{v: big.NewInt(0)} }

// FromUnits wraps a raw smallest-unit integer (e.g. loaded from storage).
func FromUnits(units *big.Int) Amount {
	if units == nil {
		return Zero()
	}
	return Amount{v: new(big.Int).Set(units)}
}

// Parse converts a decimal string (e.g. "12.50000000") to an Amount.
// Returns (Amount{}, false) on malformed or negative input.
func Parse(s string) (Amount, bool) {
	if s == "" {
		return Zero(), true
	}
	if strings.HasPrefix(s, "-") {
		return Amount{}, false
	}
	parts := strings.SplitN(s, ".", 2)
	if len(parts) > 2 {
		return Amount{}, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > Decimals {
		// Truncate extra precision rather than round — callers that need
		// exact equality (the Verifier) compare at full Decimals precision.
		frac = frac[:Decimals]
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return Amount{}, false
	}
	return Amount{v: v}, true
}

// MustParse panics on malformed input; for use with compile-time constants.
func MustParse(s string) Amount {
	a, ok := Parse(s)
	if !ok {
		panic("amount: invalid literal " + s)
	}
	return a
}

// String renders the amount as a decimal string with exactly Decimals
// fractional digits.
func (a Amount) String() string {
	v := a.v
	if v == nil {
		v = big.NewInt(0)
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	cut := len(s) - Decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// Units returns the raw smallest-unit integer, for storage.
func (a Amount) Units() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.v)
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return a.v
}

// Sign returns -1, 0, or 1.
func (a Amount) Sign() int { return a.big().Sign() }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Sign() == 0 }

// IsNegative reports whether the amount is strictly negative.
func (a Amount) IsNegative() bool { return a.Sign() < 0 }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

// Sub returns a - b (may be negative; callers enforce non-negativity).
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}
}

// Cmp compares a to b: -1, 0, 1.
func (a Amount) Cmp(b Amount) int {
	return a.big().Cmp(b.big())
}

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// Mid returns the midpoint of a and b, truncated to Decimals precision.
func Mid(a, b Amount) Amount {
	sum := new(big.Int).Add(a.big(), b.big())
	return Amount{v: sum.Div(sum, big.NewInt(2))}
}

// ScaleDown divides a raw on-chain integer value (in the token's native
// smallest unit) down to an Amount with Decimals fractional digits, given
// the token's decimals. Used by the chain adapter to compare ERC-20
// Transfer values against AGNT-denominated expected amounts.
func ScaleDown(raw *big.Int, tokenDecimals int) Amount {
	if raw == nil {
		return Zero()
	}
	v := new(big.Int).Set(raw)
	if tokenDecimals == Decimals {
		return Amount{v: v}
	}
	if tokenDecimals > Decimals {
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals-Decimals)), nil)
		return Amount{v: v.Div(v, div)}
	}
	mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-tokenDecimals)), nil)
	return Amount{v: v.Mul(v, mul)}
}
