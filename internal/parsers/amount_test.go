package parsers

import (
	"testing"

	"github.com/shopspring/decimal"

	"ledger-import-engine/internal/formats"
	engerrors "ledger-import-engine/pkg/errors"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		format  formats.FormatID
		hint    string
		want    string
		wantErr bool
	}{
		{"mercury parentheses", "(250.00)", formats.Mercury, "", "-250.00", false},
		{"payoneer thousands", "1,234.56", formats.Payoneer, "", "1234.56", false},
		{"stripe plain", "29.99", formats.StripeBalance, "", "29.99", false},
		{"numeric passthrough", "42", formats.StripeBalance, "", "42", false},
		{"dollar sign and minus", "-$1,000.10", formats.Mercury, "", "-1000.10", false},
		{"symbol after minus", "$-15.00", formats.Mercury, "", "-15.00", false},
		{"iso code prefix", "USD 1,234.56", formats.Payoneer, "USD", "1234.56", false},
		{"iso code suffix", "12.50 EUR", formats.Wise, "", "12.50", false},
		{"paypal comma decimal", "1.234,56", formats.PayPal, "", "1234.56", false},
		{"paypal short comma decimal", "12,5", formats.PayPal, "", "12.5", false},
		{"space grouping", "1 234,56", formats.PayPal, "", "1234.56", false},
		{"trailing minus", "15.00-", formats.Mercury, "", "-15.00", false},
		{"parenthesised with symbol", "($250.00)", formats.Mercury, "", "-250.00", false},
		{"auto allows thousands only", "1,234", formats.Auto, "", "1234", false},

		{"empty", "", formats.Mercury, "", "", true},
		{"embedded letters", "12a3", formats.Mercury, "", "", true},
		{"double dot", "12..3", formats.Mercury, "", "", true},
		{"comma decimal not legal for stripe", "29,99", formats.StripeBalance, "", "", true},
		{"thousands not legal for stripe", "1,234.56", formats.StripeBalance, "", "", true},
		{"thousands only not legal for mercury", "1,234", formats.Mercury, "", "", true},
		{"currency mismatch", "EUR 10.00", formats.Wise, "USD", "", true},
		{"only symbol", "$", formats.Mercury, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.raw, tt.format, tt.hint)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				if !engerrors.IsKind(err, engerrors.KindParse) {
					t.Errorf("expected parse error kind, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestClassifyAmount(t *testing.T) {
	tests := []struct {
		in   string
		want formats.Branch
	}{
		{"1234", formats.BranchNumeric},
		{"1,234.56", formats.BranchThousandsDot},
		{"1234.56", formats.BranchPlain},
		{"1234,56", formats.BranchCommaDecimal},
		{"1.234.567,8", formats.BranchCommaDecimal},
		{"1,234,567", formats.BranchThousandsOnly},
		{"12,34,5", 0},
		{"1.2.3", 0},
	}

	for _, tt := range tests {
		if got := ClassifyAmount(tt.in); got != tt.want {
			t.Errorf("ClassifyAmount(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatForDisplay(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0.00"},
		{"12.5", "12.50"},
		{"999.999", "1,000.00"},
		{"1234.56", "1,234.56"},
		{"-1234567.891", "-1,234,567.89"},
		{"-0.001", "0.00"},
	}

	for _, tt := range tests {
		if got := FormatForDisplay(decimal.RequireFromString(tt.in)); got != tt.want {
			t.Errorf("FormatForDisplay(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAmountRoundTrip(t *testing.T) {
	values := []string{"0.01", "29.99", "-250", "1234.56", "-98765.4321", "1000000", "7.005"}

	for _, f := range formats.All() {
		for _, v := range values {
			d := decimal.RequireFromString(v)
			text := FormatFor(d, f.ID)

			parsed, err := ParseAmount(text, f.ID, "")
			if err != nil {
				t.Errorf("%s: ParseAmount(%q) failed: %v", f.ID, text, err)
				continue
			}
			if !parsed.Equal(d.Round(2)) {
				t.Errorf("%s: round trip of %s via %q gave %s", f.ID, v, text, parsed)
			}

			again := FormatFor(parsed, f.ID)
			if again != text {
				t.Errorf("%s: second render %q differs from %q", f.ID, again, text)
			}
		}
	}
}

func TestValidateNetAmount(t *testing.T) {
	gross := decimal.RequireFromString("100.00")
	fee := decimal.RequireFromString("3.00")

	if err := ValidateNetAmount(gross, fee, decimal.RequireFromString("97.00")); err != nil {
		t.Errorf("expected identity to hold, got %v", err)
	}
	if err := ValidateNetAmount(gross, fee, decimal.RequireFromString("97.01")); err != nil {
		t.Errorf("one cent drift should be tolerated, got %v", err)
	}

	err := ValidateNetAmount(gross, fee, decimal.RequireFromString("90.00"))
	engErr, ok := engerrors.AsEngineError(err)
	if !ok || engErr.Code != engerrors.CodeIdentityMismatch {
		t.Fatalf("expected identity mismatch, got %v", err)
	}
}

func TestLimitsCheckAmount(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		in      string
		wantErr bool
	}{
		{"0.01", false},
		{"-500", false},
		{"10000000", false},
		{"10000000.01", true},
		{"0.001", true},
	}

	for _, tt := range tests {
		err := limits.CheckAmount(decimal.RequireFromString(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckAmount(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
