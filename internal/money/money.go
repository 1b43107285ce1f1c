// Package money holds the integer minor-unit arithmetic for escrow settlements.
//
// Amounts are int64 counts of the currency's smallest unit (cents for EUR/USD,
// yen for JPY). Nothing in this package uses floating point.
package money

import (
	"strconv"
	"strings"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
)

// MaxAmount bounds inputs so that percentage products never overflow int64.
const MaxAmount int64 = 1_000_000_000_000_000

// zeroDecimal lists currencies whose minor unit equals the major unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Exponent returns the number of minor-unit decimals for a currency.
func Exponent(currency string) int {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// Parse converts a major-unit decimal string (e.g. "123.45") into minor units
// for the given currency.
//
// Rules:
//   - Negative amounts are rejected
//   - More fractional digits than the currency allows are rejected
//   - Missing fractional digits are zero-padded
func Parse(s, currency string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, apperror.Validation("amount is required")
	}
	if strings.HasPrefix(s, "-") {
		return 0, apperror.Validation("amount must not be negative")
	}

	exp := Exponent(currency)
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, apperror.Validation("invalid amount %q", s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > exp {
		return 0, apperror.Validation("amount %q has more than %d decimals for %s", s, exp, strings.ToUpper(currency))
	}
	for len(frac) < exp {
		frac += "0"
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil || v < 0 {
		return 0, apperror.Validation("invalid amount %q", s)
	}
	if v > MaxAmount {
		return 0, apperror.Validation("amount %q exceeds maximum", s)
	}
	return v, nil
}

// Format renders minor units as a major-unit decimal string.
func Format(amount int64, currency string) string {
	exp := Exponent(currency)
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := strconv.FormatInt(amount, 10)
	if exp > 0 {
		for len(s) < exp+1 {
			s = "0" + s
		}
		s = s[:len(s)-exp] + "." + s[len(s)-exp:]
	}
	if neg {
		s = "-" + s
	}
	return s
}

// roundHalfUp returns num/den rounded half away from zero for non-negative
// operands.
func roundHalfUp(num, den int64) int64 {
	return (2*num + den) / (2 * den)
}

func checkAmount(amount int64) error {
	if amount < 0 {
		return apperror.Validation("amount must not be negative, got %d", amount)
	}
	if amount > MaxAmount {
		return apperror.Validation("amount %d exceeds maximum", amount)
	}
	return nil
}

func checkPercent(name string, p int) error {
	if p < 0 || p > 100 {
		return apperror.Validation("%s must be between 0 and 100, got %d", name, p)
	}
	return nil
}
