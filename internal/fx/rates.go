// Package fx converts amounts between currencies using a fixed rate table.
//
// Rates are configured, not fetched: each entry is the number of base-currency
// units one unit of the foreign currency is worth. The base currency always
// has rate 1.
package fx

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"ledger-import-engine/internal/models"
	engerrors "ledger-import-engine/pkg/errors"
)

// DefaultBase is the reporting currency of the engine.
const DefaultBase = "USD"

// Table is a read-mostly rate table safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	base  string
	rates map[string]decimal.Decimal
}

// NewTable builds a table from base and a currency→rate map. Rates must be
// positive; keys are normalized to upper case.
func NewTable(base string, rates map[string]string) (*Table, error) {
	base = models.NormalizeCurrency(base)
	if base == "" {
		base = DefaultBase
	}

	t := &Table{base: base, rates: map[string]decimal.Decimal{base: decimal.NewFromInt(1)}}
	for code, raw := range rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "fx.rates."+code, raw, err)
		}
		if err := t.Set(code, rate); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// MustTable is NewTable for static tables in tests and defaults.
func MustTable(base string, rates map[string]string) *Table {
	t, err := NewTable(base, rates)
	if err != nil {
		panic(err)
	}
	return t
}

// Base returns the base currency code.
func (t *Table) Base() string {
	return t.base
}

// Set adds or replaces a rate.
func (t *Table) Set(code string, rate decimal.Decimal) error {
	code = models.NormalizeCurrency(code)
	if len(code) != 3 {
		return engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "fx.rates", code,
			fmt.Errorf("currency code must have 3 letters"))
	}
	if !rate.IsPositive() {
		return engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "fx.rates."+code, rate.String(),
			fmt.Errorf("rate must be positive"))
	}
	if code == t.base && !rate.Equal(decimal.NewFromInt(1)) {
		return engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "fx.rates."+code, rate.String(),
			fmt.Errorf("base currency rate must be 1"))
	}

	t.mu.Lock()
	t.rates[code] = rate
	t.mu.Unlock()
	return nil
}

// Rate returns the base-currency value of one unit of code.
func (t *Table) Rate(code string) (decimal.Decimal, error) {
	code = models.NormalizeCurrency(code)

	t.mu.RLock()
	rate, ok := t.rates[code]
	t.mu.RUnlock()

	if !ok {
		return decimal.Zero, engerrors.ValidationError(engerrors.CodeMissingRate, "currency", code,
			fmt.Errorf("no exchange rate configured for %s", code)).
			WithSuggestion(fmt.Sprintf("add %s under fx.rates in the configuration", code))
	}
	return rate, nil
}

// ToBase converts amount in code to the base currency, rounded to cents.
func (t *Table) ToBase(amount decimal.Decimal, code string) (decimal.Decimal, error) {
	rate, err := t.Rate(code)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Round(2), nil
}

// ToUSD is ToBase for the default deployment where the base is USD.
func (t *Table) ToUSD(amount decimal.Decimal, code string) (decimal.Decimal, error) {
	if t.base != DefaultBase {
		usd, err := t.Rate(DefaultBase)
		if err != nil {
			return decimal.Zero, err
		}
		inBase, err := t.ToBase(amount, code)
		if err != nil {
			return decimal.Zero, err
		}
		return inBase.Div(usd).Round(2), nil
	}
	return t.ToBase(amount, code)
}

// Convert converts amount from one currency to another through the base.
func (t *Table) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = models.NormalizeCurrency(from)
	to = models.NormalizeCurrency(to)
	if from == to {
		return amount, nil
	}

	fromRate, err := t.Rate(from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := t.Rate(to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(fromRate).Div(toRate).Round(2), nil
}

// Currencies lists the configured codes in sorted order.
func (t *Table) Currencies() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	codes := make([]string, 0, len(t.rates))
	for code := range t.rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
