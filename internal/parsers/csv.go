// Package parsers turns raw export bytes and cells into typed values.
//
// The package has three parts:
//   - a tolerant CSV tokenizer producing header-keyed rows
//   - amount parsing with per-format decimal conventions
//   - date parsing with per-format layouts and an auto-detect fallback
//
// Amount and date parsers never guess. A value that does not follow one of
// the format's declared conventions, or that falls outside the configured
// Limits, is a parse error for that record.
package parsers

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// ParseConfig holds configuration for CSV tokenizing
type ParseConfig struct {
	// Delimiter of zero means sniff it from the header line.
	Delimiter        rune
	Comment          rune
	TrimLeadingSpace bool
	SkipEmptyRows    bool
	MaxFieldSize     int
	ValidateEncoding bool
}

// DefaultParseConfig returns a configuration with sensible defaults
func DefaultParseConfig() *ParseConfig {
	return &ParseConfig{
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
		MaxFieldSize:     1 << 20,
		ValidateEncoding: true,
	}
}

// Row is one data record with its 1-based line position in the source.
// Fields is right-padded to the header width.
type Row struct {
	Line   int
	Fields []string
	// Err is set when the record could not be tokenized; Fields is then
	// whatever the reader recovered.
	Err error
}

// Table is a tokenized export: a header row plus data rows in source order.
type Table struct {
	Headers   []string
	Rows      []Row
	Delimiter rune
}

// Tokenizer reads CSV bytes into a Table.
type Tokenizer struct {
	config *ParseConfig
	logger logger.Logger
}

// NewTokenizer creates a tokenizer. A nil config uses DefaultParseConfig.
func NewTokenizer(config *ParseConfig, log logger.Logger) *Tokenizer {
	if config == nil {
		config = DefaultParseConfig()
	}
	return &Tokenizer{
		config: config,
		logger: logger.OrDefault(log).WithComponent("csv_tokenizer"),
	}
}

// SniffDelimiter picks the most frequent of comma, semicolon and tab
// outside quotes on the first line. Comma wins ties.
func SniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}

	counts := map[rune]int{}
	inQuotes := false
	for _, r := range string(line) {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case !inQuotes && (r == ',' || r == ';' || r == '\t'):
			counts[r]++
		}
	}

	best := ','
	for _, r := range []rune{';', '\t'} {
		if counts[r] > counts[best] {
			best = r
		}
	}
	return best
}

// Tokenize parses data into a Table. Quoted fields may contain delimiters,
// doubled quotes and newlines; stray quotes are tolerated. Short rows are
// padded with empty values. A row that cannot be tokenized is returned with
// Err set so the caller can count it as a failed record.
func (t *Tokenizer) Tokenize(ctx context.Context, data []byte) (*Table, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, engerrors.ValidationError(engerrors.CodeEmptyInput, "file_content", "empty", nil)
	}

	if t.config.ValidateEncoding && !utf8.Valid(data) {
		return nil, engerrors.ValidationError(engerrors.CodeInvalidRecord, "encoding", "non-utf8", nil).
			WithSuggestion("save the file in UTF-8 encoding and try again")
	}

	delimiter := t.config.Delimiter
	if delimiter == 0 {
		delimiter = SniffDelimiter(data)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delimiter
	reader.Comment = t.config.Comment
	reader.TrimLeadingSpace = t.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = false

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, engerrors.ValidationError(engerrors.CodeEmptyInput, "file_content", "empty", nil)
		}
		return nil, engerrors.ValidationError(engerrors.CodeInvalidRecord, "headers", "", err).
			WithSuggestion("check the file format and ensure it is a valid CSV")
	}

	table := &Table{Headers: cleanHeaders(headers), Delimiter: delimiter}
	t.logger.WithFields(logger.Fields{
		"headers":   len(table.Headers),
		"delimiter": string(delimiter),
	}).Debug("Read CSV headers")

	for {
		if err := ctx.Err(); err != nil {
			return nil, engerrors.InternalError(engerrors.CodeUnexpectedError, "csv_tokenize", err)
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, engerrors.InternalError(engerrors.CodeUnexpectedError, "csv_tokenize", err)
			}
			table.Rows = append(table.Rows, Row{
				Line: parseErr.StartLine,
				Err: engerrors.New(engerrors.KindParse, engerrors.CodeInvalidRecord, parseErr.Error()).
					WithContext("field", "record"),
			})
			continue
		}

		if t.config.SkipEmptyRows && isEmptyRecord(record) {
			continue
		}

		line, _ := reader.FieldPos(0)
		row := Row{Line: line, Fields: pad(record, len(table.Headers))}
		if err := t.checkFieldSize(record); err != nil {
			row.Err = err
		}
		table.Rows = append(table.Rows, row)
	}

	t.logger.WithField("rows", len(table.Rows)).Debug("Tokenized CSV")
	return table, nil
}

func (t *Tokenizer) checkFieldSize(record []string) error {
	if t.config.MaxFieldSize <= 0 {
		return nil
	}
	for i, field := range record {
		if len(field) > t.config.MaxFieldSize {
			return engerrors.New(engerrors.KindParse, engerrors.CodeInvalidRecord,
				fmt.Sprintf("field %d exceeds maximum size of %d bytes", i, t.config.MaxFieldSize)).
				WithContext("field", fmt.Sprintf("field_%d", i))
		}
	}
	return nil
}

// FromRecords builds a Table from an already tokenized record list whose
// first record is the header row.
func FromRecords(records [][]string) (*Table, error) {
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, engerrors.ValidationError(engerrors.CodeEmptyInput, "records", "empty", nil)
	}

	table := &Table{Headers: cleanHeaders(records[0]), Delimiter: ','}
	for i, record := range records[1:] {
		if isEmptyRecord(record) {
			continue
		}
		table.Rows = append(table.Rows, Row{Line: i + 2, Fields: pad(record, len(table.Headers))})
	}
	return table, nil
}

func cleanHeaders(headers []string) []string {
	cleaned := make([]string, len(headers))
	for i, header := range headers {
		cleaned[i] = strings.TrimSpace(strings.TrimPrefix(header, "\ufeff"))
	}
	return cleaned
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func pad(record []string, width int) []string {
	if len(record) >= width {
		return record
	}
	out := make([]string, width)
	copy(out, record)
	return out
}
