package parsers

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledger-import-engine/internal/formats"
	"ledger-import-engine/internal/models"
	engerrors "ledger-import-engine/pkg/errors"
)

// Limits bounds what a parsed value may be before it is accepted into a
// canonical transaction. Out-of-bound values are parse errors, never silent
// accepts: they usually point at transposed digits or a locale mix-up.
type Limits struct {
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	MinDate       time.Time
	MaxFutureDays int
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// DefaultLimits returns a window of 2000-01-01 to one year ahead and
// amounts between one cent and ten million.
func DefaultLimits() Limits {
	return Limits{
		MinAmount:     decimal.New(1, -2),
		MaxAmount:     decimal.NewFromInt(10_000_000),
		MinDate:       time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxFutureDays: 365,
	}
}

func (l Limits) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// DateWindow returns the inclusive range of acceptable dates.
func (l Limits) DateWindow() (time.Time, time.Time) {
	return l.MinDate, l.now().UTC().AddDate(0, 0, l.MaxFutureDays)
}

// CheckAmount validates the magnitude of d against the configured bounds.
func (l Limits) CheckAmount(d decimal.Decimal) error {
	if err := models.ValidateAmountRange(d.Abs(), l.MinAmount, l.MaxAmount); err != nil {
		return engerrors.New(engerrors.KindParse, engerrors.CodeOutOfRange, err.Error()).
			WithContext("field", "amount").
			WithContext("value", d.String())
	}
	return nil
}

// CheckDate rejects dates outside the window.
func (l Limits) CheckDate(t time.Time) error {
	from, to := l.DateWindow()
	if err := models.ValidateDateRange(t, from, to); err != nil {
		return engerrors.New(engerrors.KindParse, engerrors.CodeOutOfRange, err.Error()).
			WithContext("field", "date").
			WithContext("value", t.Format("2006-01-02"))
	}
	return nil
}

// ParseDate parses raw with the format's layouts and applies the window.
func (l Limits) ParseDate(raw string, format formats.FormatID) (time.Time, error) {
	t, err := parseDate(raw, format)
	if err != nil {
		return time.Time{}, err
	}
	return t, l.CheckDate(t)
}

// ParseDateAuto parses raw without format knowledge and applies the window.
func (l Limits) ParseDateAuto(raw string) (time.Time, error) {
	t, err := parseDateAuto(raw)
	if err != nil {
		return time.Time{}, err
	}
	return t, l.CheckDate(t)
}

// Validate checks the limits are coherent.
func (l Limits) Validate() error {
	if !l.MinAmount.IsPositive() && !l.MinAmount.IsZero() {
		return fmt.Errorf("min amount cannot be negative")
	}
	if l.MaxAmount.LessThanOrEqual(l.MinAmount) {
		return fmt.Errorf("max amount %s must exceed min amount %s", l.MaxAmount, l.MinAmount)
	}
	if l.MaxFutureDays < 0 {
		return fmt.Errorf("max future days cannot be negative")
	}
	return nil
}
