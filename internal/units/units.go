// Package units converts between human decimal token amounts ("1.5") and
// integer smallest-unit values. All arithmetic is big.Int; floats are never
// used for amounts.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MaxDecimals bounds the supported token precision.
const MaxDecimals = 30

// TolerancePercent is the underpayment slack of the match gate: a value is
// accepted when it is at least target - target*TolerancePercent/100.
const TolerancePercent = 5

var (
	ErrEmptyAmount     = errors.New("empty amount")
	ErrNegativeAmount  = errors.New("negative amount")
	ErrMalformedAmount = errors.New("malformed decimal amount")
)

var pow10 = func() []*big.Int {
	t := make([]*big.Int, MaxDecimals+1)
	for i := range t {
		t[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i)), nil)
	}
	return t
}()

// Parse converts a decimal string to smallest units under the given token
// precision. Fractional digits beyond the precision are rejected rather than
// silently truncated.
func Parse(amount string, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("token decimals %d out of range [0,%d]", decimals, MaxDecimals)
	}
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, ErrEmptyAmount
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegativeAmount
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if whole == "0" && frac == "" && strings.Contains(s, ".") {
		return nil, ErrMalformedAmount
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, ErrMalformedAmount
	}
	if len(frac) > int(decimals) {
		// Reject only when the excess digits are significant.
		if strings.Trim(frac[decimals:], "0") != "" {
			return nil, fmt.Errorf("%w: more than %d fractional digits", ErrMalformedAmount, decimals)
		}
		frac = frac[:decimals]
	}
	v, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, ErrMalformedAmount
	}
	v.Mul(v, pow10[decimals])
	if frac != "" {
		f, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, ErrMalformedAmount
		}
		f.Mul(f, pow10[int(decimals)-len(frac)])
		v.Add(v, f)
	}
	return v, nil
}

// Format renders a smallest-unit value as a decimal string, trimming
// trailing fractional zeros. Format(big.NewInt(1500000), 6) == "1.5".
func Format(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	if decimals > MaxDecimals {
		decimals = MaxDecimals
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	q, r := new(big.Int).QuoRem(abs, pow10[decimals], new(big.Int))
	out := q.String()
	if r.Sign() != 0 {
		frac := fmt.Sprintf("%0*s", decimals, r.String())
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// ToleranceFloor returns the lowest acceptable value for a target amount:
// target - target*TolerancePercent/100, computed in integer math.
func ToleranceFloor(target *big.Int) *big.Int {
	slack := new(big.Int).Mul(target, big.NewInt(TolerancePercent))
	slack.Div(slack, big.NewInt(100))
	return new(big.Int).Sub(target, slack)
}

// WithinTolerance reports whether raw satisfies the match gate's amount
// policy against target. Overpayment has no upper bound.
func WithinTolerance(raw, target *big.Int) bool {
	return raw.Cmp(ToleranceFloor(target)) >= 0
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
