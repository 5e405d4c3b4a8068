package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ValidateAmountRange checks if a decimal amount is within reasonable bounds
func ValidateAmountRange(amount decimal.Decimal, min, max decimal.Decimal) error {
	if amount.LessThan(min) {
		return fmt.Errorf("amount %s is below minimum allowed %s", amount.String(), min.String())
	}

	if amount.GreaterThan(max) {
		return fmt.Errorf("amount %s exceeds maximum allowed %s", amount.String(), max.String())
	}

	return nil
}

// ValidateDateRange checks if a date is within reasonable bounds
func ValidateDateRange(date time.Time, minDate, maxDate time.Time) error {
	if date.Before(minDate) {
		return fmt.Errorf("date %s is before minimum allowed date %s",
			date.Format("2006-01-02"), minDate.Format("2006-01-02"))
	}

	if date.After(maxDate) {
		return fmt.Errorf("date %s is after maximum allowed date %s",
			date.Format("2006-01-02"), maxDate.Format("2006-01-02"))
	}

	return nil
}

// CompareAmountsWithTolerance compares two decimal amounts with a tolerance
func CompareAmountsWithTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// NormalizeCurrency upper-cases and trims an ISO currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
