// Package money parses and checks currency amounts. All arithmetic is done in
// decimal.Decimal; float64 never touches a balance.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

// Parse reads a positive amount in currency c from its decimal text form.
func Parse(s string, c domain.Currency) (decimal.Decimal, error) {
	if !c.IsValid() {
		return decimal.Zero, fmt.Errorf("Parse: %w", domain.ErrInvalidCurrency)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("Parse: %q: %w", s, domain.ErrInvalidAmount)
	}

	if err := Validate(d, c); err != nil {
		return decimal.Zero, fmt.Errorf("Parse: %w", err)
	}
	return d, nil
}

// Validate rejects non-positive amounts and amounts finer than the currency's precision.
func Validate(amount decimal.Decimal, c domain.Currency) error {
	if !c.IsValid() {
		return fmt.Errorf("Validate: %w", domain.ErrInvalidCurrency)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("Validate: %w", domain.ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(c.Precision())) {
		return fmt.Errorf("Validate: %s allows %d decimals: %w", c, c.Precision(), domain.ErrAmountPrecision)
	}
	return nil
}

// Format renders amount with exactly the currency's number of decimals.
func Format(amount decimal.Decimal, c domain.Currency) string {
	return amount.StringFixed(c.Precision())
}

// Quantize splits amount into the part representable in currency c and the
// sub-precision remainder. Observed chain values are never rounded up.
func Quantize(amount decimal.Decimal, c domain.Currency) (credit, dust decimal.Decimal) {
	credit = amount.Truncate(c.Precision())
	return credit, amount.Sub(credit)
}
