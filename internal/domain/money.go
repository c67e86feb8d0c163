package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrInvalidCurrency indicates a currency code that is not a known ISO 4217 unit.
var ErrInvalidCurrency = errors.New("domain: invalid currency code")

// FormatMinorUnits renders an amount held in minor units as a decimal string
// with exactly two fractional digits, e.g. 25000 -> "250.00".
func FormatMinorUnits(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

// ParseMinorUnits converts a two-decimal amount string back into minor units.
func ParseMinorUnits(value string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("domain: parse amount %q: %w", value, err)
	}
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("domain: amount %q has more than two decimal places", value)
	}
	return shifted.IntPart(), nil
}

// ValidateCurrency checks that the supplied code is a well-formed ISO 4217
// currency. Codes are expected uppercase and exactly three letters.
func ValidateCurrency(code string) error {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != 3 || trimmed != strings.ToUpper(trimmed) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	if _, err := currency.ParseISO(trimmed); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return nil
}
