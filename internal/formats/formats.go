// Package formats describes the known bank and payment-processor export
// dialects and recognises them from a header row.
//
// A format is identified by a conjunction of marker substrings that must all
// appear somewhere in the header row, plus optional weighted markers that
// raise the detection confidence. Column counts are never used: vendors add
// and reorder optional columns between export versions.
package formats

import (
	"strings"
	"sync"

	"ledger-import-engine/internal/models"
)

// FormatID identifies a known export dialect.
type FormatID string

const (
	Unknown        FormatID = "unknown"
	Mercury        FormatID = "mercury"
	Payoneer       FormatID = "payoneer"
	StripeBalance  FormatID = "stripe_balance"
	StripePayments FormatID = "stripe_payments"
	PayPal         FormatID = "paypal"
	Wise           FormatID = "wise"
	// Auto is not a detectable format. Parsers treat it as "no format
	// conventions known" and accept every branch and layout.
	Auto FormatID = "auto"
)

// Branch is a decimal-convention branch an amount string may follow.
type Branch uint8

const (
	// BranchNumeric is a bare integer: "1234".
	BranchNumeric Branch = 1 << iota
	// BranchThousandsDot is comma grouping with a dot decimal: "1,234.56".
	BranchThousandsDot
	// BranchPlain is a dot decimal without grouping: "1234.56".
	BranchPlain
	// BranchCommaDecimal uses a comma as the decimal mark: "1234,56" or "1.234,56".
	BranchCommaDecimal
	// BranchThousandsOnly is comma grouping without a fraction: "1,234".
	BranchThousandsOnly

	BranchAll = BranchNumeric | BranchThousandsDot | BranchPlain | BranchCommaDecimal | BranchThousandsOnly
)

// Allows reports whether b includes branch.
func (b Branch) Allows(branch Branch) bool {
	return b&branch != 0
}

func (b Branch) String() string {
	switch b {
	case BranchNumeric:
		return "numeric"
	case BranchThousandsDot:
		return "thousands+dot"
	case BranchPlain:
		return "plain"
	case BranchCommaDecimal:
		return "comma-decimal"
	case BranchThousandsOnly:
		return "thousands-only"
	}
	return "mixed"
}

// Field is a canonical transaction field a column can map to.
type Field string

const (
	FieldDate        Field = "date"
	FieldDescription Field = "description"
	FieldAmount      Field = "amount"
	FieldCredit      Field = "credit"
	FieldDebit       Field = "debit"
	FieldGross       Field = "gross"
	FieldFee         Field = "fee"
	FieldNet         Field = "net"
	FieldRefunded    Field = "refunded"
	FieldCurrency    Field = "currency"
	FieldStatus      Field = "status"
	FieldExternalID  Field = "external_id"
	FieldType        Field = "type"
	FieldCategory    Field = "category"
)

// Marker is an optional header substring and the weight it adds to the
// confidence score.
type Marker struct {
	Substring string
	Weight    float64
}

// Format is the full description of one export dialect.
type Format struct {
	ID   FormatID
	Name string

	// Required markers: every one must be a substring of some header.
	Required []string
	// Optional markers raise confidence but are not needed for detection.
	Optional []Marker

	// Columns lists, per canonical field, the accepted header names in
	// preference order. Matching is exact on the normalised header first,
	// then by substring.
	Columns map[Field][]string
	// RequiredFields must resolve to a column or ValidateFormat fails.
	RequiredFields []Field

	Branches    Branch
	DateLayouts []string

	// DefaultCurrency applies when the export carries no currency column.
	DefaultCurrency string
	// FeeNegative is set when the export reports fees as negative numbers.
	FeeNegative bool
	// CheckNetIdentity enables the net = gross - fee cross-check.
	CheckNetIdentity bool

	// Statuses maps lower-cased source status values to a ledger status.
	// Values listed in SkipStatuses produce a skipped outcome.
	Statuses     map[string]models.TransactionStatus
	SkipStatuses []string
	// ExpenseTypes lists lower-cased values of the type column that mean
	// money left the account, for formats whose amounts are unsigned.
	ExpenseTypes []string
}

// requiredWeight is the confidence weight of every required marker.
const requiredWeight = 2.0

// MapStatus translates a raw status cell. Unknown and empty statuses are
// treated as approved; ok is false when the status should be skipped.
func (f *Format) MapStatus(raw string) (status models.TransactionStatus, ok bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	for _, skip := range f.SkipStatuses {
		if key == skip {
			return "", false
		}
	}
	if mapped, found := f.Statuses[key]; found {
		return mapped, true
	}
	return models.StatusApproved, true
}

// IsExpenseType reports whether a type-column value denotes an outflow.
func (f *Format) IsExpenseType(raw string) bool {
	key := strings.ToLower(strings.TrimSpace(raw))
	for _, t := range f.ExpenseTypes {
		if key == t {
			return true
		}
	}
	return false
}

var (
	registryMu sync.RWMutex
	registry   []*Format
)

// Register adds a format to the registry. Registration order breaks
// confidence ties during detection. Registering an existing ID replaces it
// in place.
func Register(f *Format) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for i, existing := range registry {
		if existing.ID == f.ID {
			registry[i] = f
			return
		}
	}
	registry = append(registry, f)
}

// Get returns a registered format by ID.
func Get(id FormatID) (*Format, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, f := range registry {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// All returns the registered formats in registration order.
func All() []*Format {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]*Format, len(registry))
	copy(out, registry)
	return out
}

var approvedPending = map[string]models.TransactionStatus{
	"completed": models.StatusApproved,
	"complete":  models.StatusApproved,
	"posted":    models.StatusApproved,
	"paid":      models.StatusApproved,
	"available": models.StatusApproved,
	"sent":      models.StatusApproved,
	"pending":   models.StatusPending,
	"in review": models.StatusPending,
}

func init() {
	Register(&Format{
		ID:       Mercury,
		Name:     "Mercury",
		Required: []string{"bank description", "source account"},
		Optional: []Marker{
			{Substring: "last four digits", Weight: 1},
			{Substring: "gl code", Weight: 1},
			{Substring: "name on card", Weight: 0.5},
			{Substring: "date (utc)", Weight: 0.5},
		},
		Columns: map[Field][]string{
			FieldDate:        {"date (utc)", "date"},
			FieldDescription: {"description", "bank description"},
			FieldAmount:      {"amount"},
			FieldStatus:      {"status"},
			FieldCategory:    {"category", "mercury category"},
		},
		RequiredFields:  []Field{FieldDate, FieldDescription, FieldAmount},
		Branches:        BranchNumeric | BranchPlain | BranchThousandsDot,
		DateLayouts:     []string{"01-02-2006", "01-02-2006 15:04:05", "2006-01-02", "01/02/2006"},
		DefaultCurrency: "USD",
		Statuses:        approvedPending,
		SkipStatuses:    []string{"failed", "cancelled", "canceled", "blocked"},
	})

	Register(&Format{
		ID:       Payoneer,
		Name:     "Payoneer",
		Required: []string{"credit amount", "debit amount", "running balance"},
		Optional: []Marker{
			{Substring: "transfer amount currency", Weight: 1},
			{Substring: "additional description", Weight: 1},
			{Substring: "store name", Weight: 0.5},
		},
		Columns: map[Field][]string{
			FieldDate:        {"transaction date", "date"},
			FieldDescription: {"description"},
			FieldCredit:      {"credit amount"},
			FieldDebit:       {"debit amount"},
			FieldCurrency:    {"currency"},
			FieldStatus:      {"status"},
			FieldExternalID:  {"transaction id"},
		},
		RequiredFields: []Field{FieldDate, FieldCredit, FieldDebit, FieldCurrency},
		Branches:       BranchNumeric | BranchPlain | BranchThousandsDot,
		DateLayouts:    []string{"01/02/2006", "2006-01-02", "Jan 2, 2006", "January 2, 2006"},
		Statuses:       approvedPending,
		SkipStatuses:   []string{"canceled", "cancelled", "failed", "declined"},
	})

	Register(&Format{
		ID:       StripeBalance,
		Name:     "Stripe balance history",
		Required: []string{"available on", "fee", "net"},
		Optional: []Marker{
			{Substring: "reporting category", Weight: 1},
			{Substring: "customer facing amount", Weight: 1},
			{Substring: "created (utc)", Weight: 0.5},
		},
		Columns: map[Field][]string{
			FieldExternalID:  {"id", "balance transaction id"},
			FieldDate:        {"created (utc)", "created"},
			FieldDescription: {"description"},
			FieldGross:       {"amount", "gross"},
			FieldFee:         {"fee"},
			FieldNet:         {"net"},
			FieldCurrency:    {"currency"},
			FieldType:        {"type", "reporting category"},
			FieldStatus:      {"status"},
		},
		RequiredFields:   []Field{FieldExternalID, FieldDate, FieldGross, FieldFee, FieldNet, FieldCurrency},
		Branches:         BranchNumeric | BranchPlain,
		DateLayouts:      []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04:05Z07:00", "2006-01-02"},
		CheckNetIdentity: true,
		Statuses:         approvedPending,
		SkipStatuses:     []string{"failed"},
		ExpenseTypes:     []string{"payout", "refund", "stripe_fee", "transfer", "dispute", "network_cost"},
	})

	Register(&Format{
		ID:       StripePayments,
		Name:     "Stripe payments",
		Required: []string{"amount refunded", "captured"},
		Optional: []Marker{
			{Substring: "converted amount", Weight: 1},
			{Substring: "customer email", Weight: 0.5},
			{Substring: "card id", Weight: 0.5},
		},
		Columns: map[Field][]string{
			FieldExternalID:  {"id"},
			FieldDate:        {"created (utc)", "created"},
			FieldDescription: {"description"},
			FieldAmount:      {"amount"},
			FieldRefunded:    {"amount refunded"},
			FieldFee:         {"fee"},
			FieldCurrency:    {"currency"},
			FieldStatus:      {"status"},
		},
		RequiredFields: []Field{FieldExternalID, FieldDate, FieldAmount, FieldCurrency},
		Branches:       BranchNumeric | BranchPlain,
		DateLayouts:    []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"},
		Statuses:       approvedPending,
		SkipStatuses:   []string{"failed", "canceled", "requires_payment_method"},
	})

	Register(&Format{
		ID:       PayPal,
		Name:     "PayPal",
		Required: []string{"gross", "reference txn id"},
		Optional: []Marker{
			{Substring: "balance impact", Weight: 1},
			{Substring: "from email address", Weight: 1},
			{Substring: "timezone", Weight: 0.5},
		},
		Columns: map[Field][]string{
			FieldDate:        {"date"},
			FieldDescription: {"name", "item title", "subject"},
			FieldGross:       {"gross"},
			FieldFee:         {"fee"},
			FieldNet:         {"net"},
			FieldCurrency:    {"currency"},
			FieldStatus:      {"status"},
			FieldExternalID:  {"transaction id"},
			FieldType:        {"type"},
		},
		RequiredFields:   []Field{FieldDate, FieldGross, FieldCurrency, FieldExternalID},
		Branches:         BranchNumeric | BranchPlain | BranchThousandsDot | BranchCommaDecimal,
		DateLayouts:      []string{"01/02/2006", "2006-01-02", "02.01.2006"},
		FeeNegative:      true,
		CheckNetIdentity: true,
		Statuses: map[string]models.TransactionStatus{
			"completed": models.StatusApproved,
			"pending":   models.StatusPending,
			"held":      models.StatusPending,
			"unclaimed": models.StatusPending,
		},
		SkipStatuses: []string{"denied", "failed", "canceled", "cancelled", "reversed"},
	})

	Register(&Format{
		ID:       Wise,
		Name:     "Wise",
		Required: []string{"transferwise id"},
		Optional: []Marker{
			{Substring: "exchange rate", Weight: 1},
			{Substring: "payee name", Weight: 0.5},
			{Substring: "total fees", Weight: 0.5},
			{Substring: "running balance", Weight: 0.5},
		},
		Columns: map[Field][]string{
			FieldExternalID:  {"transferwise id"},
			FieldDate:        {"date"},
			FieldDescription: {"description", "payment reference"},
			FieldAmount:      {"amount"},
			FieldCurrency:    {"currency"},
			FieldFee:         {"total fees"},
		},
		RequiredFields: []Field{FieldExternalID, FieldDate, FieldAmount, FieldCurrency},
		Branches:       BranchNumeric | BranchPlain | BranchThousandsDot,
		DateLayouts:    []string{"02-01-2006", "2006-01-02", "02-01-2006 15:04:05.000"},
		Statuses:       approvedPending,
	})
}
