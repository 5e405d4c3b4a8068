package formats

import (
	"fmt"
	"strings"

	engerrors "ledger-import-engine/pkg/errors"
)

// NormalizeHeader lower-cases and trims a header cell, dropping a UTF-8 BOM
// and collapsing internal whitespace.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.ToLower(strings.Join(strings.Fields(h), " "))
}

// NormalizeHeaders applies NormalizeHeader to every header.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = NormalizeHeader(h)
	}
	return out
}

func containsMarker(normalized []string, marker string) bool {
	for _, h := range normalized {
		if strings.Contains(h, marker) {
			return true
		}
	}
	return false
}

func requiredMatch(normalized []string, f *Format) bool {
	if len(f.Required) == 0 {
		return false
	}
	for _, marker := range f.Required {
		if !containsMarker(normalized, marker) {
			return false
		}
	}
	return true
}

func score(normalized []string, f *Format) float64 {
	if !requiredMatch(normalized, f) {
		return 0
	}

	total := requiredWeight * float64(len(f.Required))
	matched := total
	for _, m := range f.Optional {
		total += m.Weight
		if containsMarker(normalized, m.Substring) {
			matched += m.Weight
		}
	}
	return matched / total
}

// Detection is the outcome of running the detector over a header row.
type Detection struct {
	Format     FormatID `json:"format"`
	Confidence float64  `json:"confidence"`
}

// DetectWithConfidence returns the best matching format and its confidence.
// Only formats whose required markers all match are candidates; ties on
// confidence go to the earlier registered format.
func DetectWithConfidence(headers []string) Detection {
	normalized := NormalizeHeaders(headers)

	best := Detection{Format: Unknown}
	for _, f := range All() {
		s := score(normalized, f)
		if s > best.Confidence {
			best = Detection{Format: f.ID, Confidence: s}
		}
	}
	return best
}

// Detect returns the most likely format for the headers, or Unknown.
func Detect(headers []string) (FormatID, bool) {
	d := DetectWithConfidence(headers)
	return d.Format, d.Format != Unknown
}

// Confidence scores how well headers match the given format, in [0,1].
// Zero means at least one required marker is absent.
func Confidence(headers []string, id FormatID) float64 {
	f, ok := Get(id)
	if !ok {
		return 0
	}
	return score(NormalizeHeaders(headers), f)
}

// ColumnIndex maps canonical fields to positions in a record.
type ColumnIndex map[Field]int

// Has reports whether field resolved to a column.
func (c ColumnIndex) Has(field Field) bool {
	_, ok := c[field]
	return ok
}

// Value returns the trimmed cell for field, or "" when unmapped or short.
func (c ColumnIndex) Value(record []string, field Field) string {
	idx, ok := c[field]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

var fieldOrder = []Field{
	FieldExternalID, FieldDate, FieldAmount, FieldGross, FieldNet, FieldFee,
	FieldRefunded, FieldCredit, FieldDebit, FieldCurrency, FieldStatus,
	FieldType, FieldCategory, FieldDescription,
}

// Resolve maps the format's canonical fields to header positions.
func (f *Format) Resolve(headers []string) ColumnIndex {
	normalized := NormalizeHeaders(headers)
	index := make(ColumnIndex)
	used := make(map[int]bool)

	for _, field := range fieldOrder {
		candidates, ok := f.Columns[field]
		if !ok {
			continue
		}
		if i := findColumn(normalized, candidates, used, true); i >= 0 {
			index[field] = i
			used[i] = true
		}
	}
	// Substring fallback runs after every exact match is claimed so a loose
	// candidate cannot steal another field's exact column.
	for _, field := range fieldOrder {
		candidates, ok := f.Columns[field]
		if !ok || index.Has(field) {
			continue
		}
		if i := findColumn(normalized, candidates, used, false); i >= 0 {
			index[field] = i
			used[i] = true
		}
	}
	return index
}

func findColumn(normalized []string, candidates []string, used map[int]bool, exact bool) int {
	for _, candidate := range candidates {
		for i, h := range normalized {
			if used[i] {
				continue
			}
			if (exact && h == candidate) || (!exact && strings.Contains(h, candidate)) {
				return i
			}
		}
	}
	return -1
}

// ValidateFormat checks that every column needed to populate a canonical
// transaction is present. Each missing field is reported separately.
func ValidateFormat(headers []string, id FormatID) []error {
	f, ok := Get(id)
	if !ok {
		return []error{engerrors.ValidationError(engerrors.CodeUnknownFormat, "format", string(id), nil)}
	}

	index := f.Resolve(headers)
	var errs []error
	for _, field := range f.RequiredFields {
		if !index.Has(field) {
			errs = append(errs, engerrors.ValidationError(engerrors.CodeMissingColumn, string(field), nil, nil).
				WithContext("format", string(id)).
				WithContext("accepted_headers", strings.Join(f.Columns[field], " | ")))
		}
	}
	return errs
}

// RequireConfidence returns a validation error when the detection is unknown
// or below min.
func RequireConfidence(d Detection, min float64) error {
	if d.Format == Unknown {
		return engerrors.ValidationError(engerrors.CodeUnknownFormat, "headers", nil, nil)
	}
	if d.Confidence < min {
		return engerrors.ValidationError(engerrors.CodeLowConfidence, "headers", string(d.Format), nil).
			WithContext("confidence", fmt.Sprintf("%.2f", d.Confidence)).
			WithContext("min_confidence", fmt.Sprintf("%.2f", min))
	}
	return nil
}
