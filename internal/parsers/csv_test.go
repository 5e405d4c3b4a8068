package parsers

import (
	"context"
	"reflect"
	"testing"

	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

func tokenize(t *testing.T, content string) *Table {
	t.Helper()
	table, err := NewTokenizer(nil, logger.Discard()).Tokenize(context.Background(), []byte(content))
	if err != nil {
		t.Fatalf("Tokenize() error: %v", err)
	}
	return table
}

func TestTokenizeQuotedFields(t *testing.T) {
	content := "\ufeffDate,Description,Amount\n" +
		"2024-01-01,\"Coffee, beans\",12.50\n" +
		"2024-01-02,\"He said \"\"hi\"\"\",3.00\n" +
		"2024-01-03,\"multi\nline\",4.00\n"

	table := tokenize(t, content)

	if !reflect.DeepEqual(table.Headers, []string{"Date", "Description", "Amount"}) {
		t.Errorf("unexpected headers %q", table.Headers)
	}
	if len(table.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(table.Rows))
	}
	if table.Rows[0].Fields[1] != "Coffee, beans" {
		t.Errorf("quoted delimiter not preserved: %q", table.Rows[0].Fields[1])
	}
	if table.Rows[1].Fields[1] != `He said "hi"` {
		t.Errorf("escaped quotes not handled: %q", table.Rows[1].Fields[1])
	}
	if table.Rows[2].Fields[1] != "multi\nline" {
		t.Errorf("embedded newline not handled: %q", table.Rows[2].Fields[1])
	}
	if table.Rows[0].Line != 2 || table.Rows[2].Line != 4 {
		t.Errorf("unexpected line numbers %d, %d", table.Rows[0].Line, table.Rows[2].Line)
	}
}

func TestTokenizePadsShortRowsAndSkipsEmpty(t *testing.T) {
	content := "a,b,c\n1,2\n\n,,\n4,5,6,7\n"
	table := tokenize(t, content)

	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.Rows))
	}
	if !reflect.DeepEqual(table.Rows[0].Fields, []string{"1", "2", ""}) {
		t.Errorf("short row not padded: %q", table.Rows[0].Fields)
	}
	if len(table.Rows[1].Fields) != 4 {
		t.Errorf("long row should be kept intact, got %q", table.Rows[1].Fields)
	}
}

func TestSniffDelimiter(t *testing.T) {
	tests := []struct {
		line string
		want rune
	}{
		{"a,b,c\n1,2,3", ','},
		{"a;b;c\n1;2;3", ';'},
		{"a\tb\tc", '\t'},
		{"\"x;y\",b,c", ','},
		{"single", ','},
	}

	for _, tt := range tests {
		if got := SniffDelimiter([]byte(tt.line)); got != tt.want {
			t.Errorf("SniffDelimiter(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}

	table := tokenize(t, "Date;Amount\n2024-01-01;1.234,56\n")
	if table.Delimiter != ';' || table.Rows[0].Fields[1] != "1.234,56" {
		t.Errorf("semicolon file mis-tokenized: %+v", table)
	}
}

func TestTokenizeRejectsEmptyInput(t *testing.T) {
	tokenizer := NewTokenizer(nil, logger.Discard())
	for _, content := range []string{"", "   \n", "\ufeff"} {
		_, err := tokenizer.Tokenize(context.Background(), []byte(content))
		if !engerrors.IsKind(err, engerrors.KindValidation) {
			t.Errorf("Tokenize(%q) expected validation error, got %v", content, err)
		}
	}
}

func TestTokenizeRejectsInvalidUTF8(t *testing.T) {
	_, err := NewTokenizer(nil, logger.Discard()).Tokenize(context.Background(), []byte("a,b\n\xff\xfe,1\n"))
	if !engerrors.IsKind(err, engerrors.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestFromRecords(t *testing.T) {
	table, err := FromRecords([][]string{
		{" Date ", "Amount"},
		{"2024-01-01"},
		{"", ""},
		{"2024-01-02", "5"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table.Headers[0] != "Date" {
		t.Errorf("headers not trimmed: %q", table.Headers)
	}
	if len(table.Rows) != 2 || table.Rows[1].Line != 4 {
		t.Errorf("unexpected rows %+v", table.Rows)
	}
	if len(table.Rows[0].Fields) != 2 {
		t.Errorf("short record not padded: %q", table.Rows[0].Fields)
	}

	if _, err := FromRecords(nil); err == nil {
		t.Error("expected error for empty records")
	}
}
