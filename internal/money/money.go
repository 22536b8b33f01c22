// Package money provides fixed-point rupee amounts in paise (minor units).
//
// All balances and transaction amounts inside the platform are int64 paise.
// Decimal strings ("149.00") exist only at the API boundary.
package money

import (
	"errors"
	"fmt"
	"strings"
)

// Paise is an amount in minor currency units (1 rupee = 100 paise).
type Paise int64

var ErrMalformed = errors.New("money: malformed amount")

// Parse converts a decimal rupee string to paise.
// Accepts "149", "149.5", "149.50". Rejects negatives, more than two
// fractional digits, and anything non-numeric.
func Parse(s string) (Paise, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrMalformed
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" || len(frac) > 2 {
		return 0, ErrMalformed
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var total int64
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return 0, ErrMalformed
			}
			d := int64(c - '0')
			if total > (1<<63-1-d)/10 {
				return 0, ErrMalformed
			}
			total = total*10 + d
		}
	}
	return Paise(total), nil
}

// Format renders paise as a decimal rupee string ("12345" -> "123.45").
func Format(p Paise) string {
	neg := ""
	if p < 0 {
		neg = "-"
		p = -p
	}
	return fmt.Sprintf("%s%d.%02d", neg, p/100, p%100)
}

// String implements fmt.Stringer.
func (p Paise) String() string { return Format(p) }
