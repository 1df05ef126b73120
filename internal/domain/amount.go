package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits between a display unit and
// the base unit amounts are stored in.
const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// ParseAmount parses a base-unit integer string.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// ParseUnits converts a display amount such as "1.5" into base units.
func ParseUnits(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(s, "-") {
		return nil, errors.New("amount must be positive")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || (frac != "" && !digitsOnly(frac)) {
		return nil, fmt.Errorf("invalid amount format %q", s)
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("too many decimal places (max %d)", Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	w, _ := new(big.Int).SetString(whole, 10)
	f, _ := new(big.Int).SetString(frac, 10)
	return w.Mul(w, unit).Add(w, f), nil
}

// FormatUnits renders base units as a display amount with at most precision
// fractional digits, trailing zeros trimmed.
func FormatUnits(amount *big.Int, precision int) string {
	if amount == nil {
		return "0"
	}
	whole, rem := new(big.Int).QuoRem(amount, unit, new(big.Int))
	frac := rem.String()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	if precision < len(frac) {
		frac = frac[:precision]
	}
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole.String()
	}
	return whole.String() + "." + frac
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
