// Package money handles fixed-point currency amounts. Amounts travel as
// decimal strings ("42.00") at API and storage boundaries and as big.Int
// cents for arithmetic, so no float ever touches a balance.
package money

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the fixed scale: amounts have two fractional digits.
const Decimals = 2

var unit = big.NewInt(100) // 10^Decimals

// Parse converts a decimal string like "42.00" or "38.5" to cents.
// Returns false for empty strings, negatives with bad syntax, too many
// decimals, or anything non-numeric.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return nil, false
	}
	if len(frac) > Decimals {
		return nil, false
	}
	// Right-pad the fraction to the fixed scale
	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	cents, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if negative {
		cents.Neg(cents)
	}
	return cents, true
}

// MustParse is Parse for trusted constants; panics on bad input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("money: invalid amount %q", s))
	}
	return v
}

// Format converts cents back to the canonical decimal string with two
// fractional digits.
func Format(cents *big.Int) string {
	if cents == nil {
		return "0.00"
	}
	v := new(big.Int).Set(cents)
	negative := v.Sign() < 0
	if negative {
		v.Neg(v)
	}
	whole, frac := new(big.Int).QuoRem(v, unit, new(big.Int))
	out := fmt.Sprintf("%s.%02d", whole.String(), frac.Int64())
	if negative {
		out = "-" + out
	}
	return out
}

// Percent returns pct percent of amount, truncated toward zero.
func Percent(amount *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(pct))
	return out.Quo(out, big.NewInt(100))
}

// Split divides amount by the ratio num/den, truncating toward zero. It
// returns the share and the remainder (amount - share), so the two parts
// always sum back to amount exactly.
func Split(amount *big.Int, num, den int64) (*big.Int, *big.Int) {
	share := new(big.Int).Mul(amount, big.NewInt(num))
	share.Quo(share, big.NewInt(den))
	remainder := new(big.Int).Sub(amount, share)
	return share, remainder
}
