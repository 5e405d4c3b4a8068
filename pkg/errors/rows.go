package errors

import (
	"fmt"
	"strings"
)

// DefaultMaxRowErrors is the number of row errors kept on a batch.
const DefaultMaxRowErrors = 20

// RowError describes why a single input record was not imported.
type RowError struct {
	Row    int       `json:"row"`
	Field  string    `json:"field,omitempty"`
	Value  string    `json:"value,omitempty"`
	Reason string    `json:"reason"`
	Kind   Kind      `json:"kind"`
	Code   ErrorCode `json:"code,omitempty"`
}

func (r RowError) String() string {
	if r.Field != "" {
		return fmt.Sprintf("row %d [%s]: %s", r.Row, r.Field, r.Reason)
	}
	return fmt.Sprintf("row %d: %s", r.Row, r.Reason)
}

// RowErrorFrom converts err into a RowError for the given row. EngineError
// context is used for the field and value when present.
func RowErrorFrom(row int, err error) RowError {
	rowErr := RowError{Row: row, Reason: err.Error(), Kind: KindParse}
	if engErr, ok := AsEngineError(err); ok {
		rowErr.Kind = engErr.Kind
		rowErr.Code = engErr.Code
		rowErr.Reason = engErr.Message
		if field, ok := engErr.Context["field"].(string); ok {
			rowErr.Field = field
		}
		if value, ok := engErr.Context["value"].(string); ok {
			rowErr.Value = value
		}
	}
	return rowErr
}

// RowErrorCollector accumulates row errors, keeping the first max entries
// while counting every error added.
type RowErrorCollector struct {
	rows  []RowError
	max   int
	total int
}

// NewRowErrorCollector creates a collector. A non-positive max uses
// DefaultMaxRowErrors.
func NewRowErrorCollector(max int) *RowErrorCollector {
	if max <= 0 {
		max = DefaultMaxRowErrors
	}
	return &RowErrorCollector{max: max}
}

// Add records err against row.
func (c *RowErrorCollector) Add(row int, err error) {
	if err == nil {
		return
	}
	c.total++
	if len(c.rows) < c.max {
		c.rows = append(c.rows, RowErrorFrom(row, err))
	}
}

// Total returns the number of errors added, including those not retained.
func (c *RowErrorCollector) Total() int {
	return c.total
}

// HasErrors returns true if any errors have been collected
func (c *RowErrorCollector) HasErrors() bool {
	return c.total > 0
}

// Rows returns the retained errors.
func (c *RowErrorCollector) Rows() []RowError {
	return c.rows
}

// Summary returns a one-line message describing the collected errors.
func (c *RowErrorCollector) Summary() string {
	return SummarizeRows(c.rows, c.total)
}

// SummarizeRows formats a short human readable summary of row errors.
func SummarizeRows(rows []RowError, total int) string {
	if total == 0 {
		return "no row errors"
	}

	byCode := make(map[ErrorCode]int)
	var order []ErrorCode
	for _, r := range rows {
		if _, seen := byCode[r.Code]; !seen {
			order = append(order, r.Code)
		}
		byCode[r.Code]++
	}

	parts := make([]string, 0, len(order))
	for _, code := range order {
		name := string(code)
		if name == "" {
			name = "other"
		}
		parts = append(parts, fmt.Sprintf("%s: %d", name, byCode[code]))
	}

	msg := fmt.Sprintf("%d row(s) failed", total)
	if len(parts) > 0 {
		msg += " (" + strings.Join(parts, ", ") + ")"
	}
	if total > len(rows) {
		msg += fmt.Sprintf("; showing first %d", len(rows))
	}
	return msg
}
