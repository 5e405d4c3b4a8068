package parsers

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"ledger-import-engine/internal/formats"
	engerrors "ledger-import-engine/pkg/errors"
)

var (
	reNumeric       = regexp.MustCompile(`^\d+$`)
	reThousandsDot  = regexp.MustCompile(`^\d{1,3}(,\d{3})+\.\d+$`)
	rePlain         = regexp.MustCompile(`^\d+\.\d+$`)
	reCommaDecimal  = regexp.MustCompile(`^(\d+|\d{1,3}(\.\d{3})+),\d{1,2}$`)
	reThousandsOnly = regexp.MustCompile(`^\d{1,3}(,\d{3})+$`)
	reCurrencyCode  = regexp.MustCompile(`^[A-Za-z]{3}|[A-Za-z]{3}$`)
)

const currencySymbols = "$€£¥₹₩₽₺₪₫฿₱₴₦"

// ClassifyAmount returns the decimal-convention branch an unsigned, cleaned
// amount string follows, or zero when it follows none.
func ClassifyAmount(clean string) formats.Branch {
	switch {
	case reNumeric.MatchString(clean):
		return formats.BranchNumeric
	case reThousandsDot.MatchString(clean):
		return formats.BranchThousandsDot
	case rePlain.MatchString(clean):
		return formats.BranchPlain
	case reCommaDecimal.MatchString(clean):
		return formats.BranchCommaDecimal
	case reThousandsOnly.MatchString(clean):
		return formats.BranchThousandsOnly
	}
	return 0
}

func amountError(raw, reason string) error {
	return engerrors.New(engerrors.KindParse, engerrors.CodeInvalidAmount,
		fmt.Sprintf("invalid amount '%s': %s", raw, reason)).
		WithContext("field", "amount").
		WithContext("value", raw)
}

func branchesFor(id formats.FormatID) formats.Branch {
	if f, ok := formats.Get(id); ok {
		return f.Branches
	}
	return formats.BranchAll
}

// cleanAmount strips currency markers and whitespace and extracts the sign.
// The returned string carries no sign.
func cleanAmount(raw, currencyHint string) (string, bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false, amountError(raw, "empty value")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	if m := reCurrencyCode.FindString(s); m != "" {
		code := strings.ToUpper(m)
		hint := strings.ToUpper(strings.TrimSpace(currencyHint))
		if hint != "" && code != hint {
			return "", false, amountError(raw, fmt.Sprintf("currency %s does not match %s", code, hint))
		}
		s = strings.TrimSpace(reCurrencyCode.ReplaceAllString(s, ""))
	}

	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(currencySymbols, r) || r == '\'' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	switch {
	case strings.HasPrefix(s, "-"):
		negative = !negative
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasSuffix(s, "-"):
		negative = !negative
		s = s[:len(s)-1]
	}

	if s == "" {
		return "", false, amountError(raw, "no digits")
	}
	return s, negative, nil
}

// ParseAmount converts a raw amount cell into a signed decimal using the
// conventions of the given format. Currency symbols, ISO codes and
// whitespace are removed, parentheses mean negative, and the residue must
// follow one of the format's legal decimal branches.
func ParseAmount(raw string, format formats.FormatID, currencyHint string) (decimal.Decimal, error) {
	clean, negative, err := cleanAmount(raw, currencyHint)
	if err != nil {
		return decimal.Zero, err
	}

	branch := ClassifyAmount(clean)
	if branch == 0 {
		return decimal.Zero, amountError(raw, "unrecognised number format")
	}
	if !branchesFor(format).Allows(branch) {
		return decimal.Zero, amountError(raw, fmt.Sprintf("%s notation is not used by %s", branch, format))
	}

	var normalized string
	switch branch {
	case formats.BranchThousandsDot, formats.BranchThousandsOnly:
		normalized = strings.ReplaceAll(clean, ",", "")
	case formats.BranchCommaDecimal:
		normalized = strings.ReplaceAll(strings.ReplaceAll(clean, ".", ""), ",", ".")
	default:
		normalized = clean
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, amountError(raw, err.Error())
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseOptionalAmount returns zero for an empty cell and otherwise behaves
// like ParseAmount.
func ParseOptionalAmount(raw string, format formats.FormatID, currencyHint string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return ParseAmount(raw, format, currencyHint)
}

// FormatForDisplay renders d with two decimals and comma grouping:
// "-1,234.56".
func FormatForDisplay(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac := s[:len(s)-3], s[len(s)-2:]

	var b strings.Builder
	if d.Round(2).IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// FormatFor renders d at two decimals in a notation the format accepts, so
// that ParseAmount(FormatFor(d, f), f, "") == d.Round(2).
func FormatFor(d decimal.Decimal, format formats.FormatID) string {
	branches := branchesFor(format)
	grouped := FormatForDisplay(d)
	plain := d.Round(2).StringFixed(2)

	switch {
	case branches.Allows(formats.BranchThousandsDot) && d.Round(2).Abs().GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return grouped
	case branches.Allows(formats.BranchPlain):
		return plain
	case branches.Allows(formats.BranchCommaDecimal):
		return strings.Replace(plain, ".", ",", 1)
	}
	return grouped
}

// NetTolerance is the allowed drift in the net = gross - fee identity.
var NetTolerance = decimal.New(1, -2)

// ValidateNetAmount checks the accounting identity net = gross - fee within
// one cent. fee is the positive fee magnitude.
func ValidateNetAmount(gross, fee, net decimal.Decimal) error {
	expected := gross.Sub(fee)
	if expected.Sub(net).Abs().GreaterThan(NetTolerance) {
		return engerrors.New(engerrors.KindParse, engerrors.CodeIdentityMismatch,
			fmt.Sprintf("net %s does not equal gross %s minus fee %s (expected %s)",
				net.StringFixed(2), gross.StringFixed(2), fee.StringFixed(2), expected.StringFixed(2))).
			WithContext("field", "net").
			WithContext("value", net.String())
	}
	return nil
}
