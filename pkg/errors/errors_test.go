package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineError(t *testing.T) {
	tests := []struct {
		name       string
		kind       Kind
		code       ErrorCode
		message    string
		cause      error
		expectCode int
	}{
		{
			name:       "storage error",
			kind:       KindStorage,
			code:       CodeNotFound,
			message:    "file not found",
			cause:      errors.New("no such file"),
			expectCode: 2,
		},
		{
			name:       "parse error",
			kind:       KindParse,
			code:       CodeInvalidAmount,
			message:    "invalid amount",
			cause:      nil,
			expectCode: 3,
		},
		{
			name:       "configuration error",
			kind:       KindConfiguration,
			code:       CodeInvalidConfig,
			message:    "invalid config",
			cause:      errors.New("missing field"),
			expectCode: 4,
		},
		{
			name:       "transport error",
			kind:       KindTransport,
			code:       CodeQuotaExceeded,
			message:    "quota exceeded",
			cause:      nil,
			expectCode: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err *EngineError
			if tt.cause != nil {
				err = Wrap(tt.cause, tt.kind, tt.code, tt.message)
			} else {
				err = New(tt.kind, tt.code, tt.message)
			}

			if err.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, err.Kind)
			}
			if err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, err.Code)
			}
			if err.GetExitCode() != tt.expectCode {
				t.Errorf("expected exit code %d, got %d", tt.expectCode, err.GetExitCode())
			}
			if err.Error() != tt.message {
				t.Errorf("expected error string %s, got %s", tt.message, err.Error())
			}
			if tt.cause != nil && err.Unwrap() != tt.cause {
				t.Errorf("expected to unwrap to %v, got %v", tt.cause, err.Unwrap())
			}
			if len(err.StackTrace) == 0 {
				t.Error("expected stack trace to be captured")
			}
		})
	}
}

func TestConstructorsSetKind(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  *EngineError
		kind Kind
	}{
		{"validation", ValidationError(CodeUnknownFormat, "headers", "a,b", nil), KindValidation},
		{"parse", ParseError(CodeInvalidDate, 4, "date", "31/31/2024", cause), KindParse},
		{"transport", TransportError(CodeTimeout, "/orders.json", cause), KindTransport},
		{"integrity", IntegrityError(CodeDuplicateKey, "create transaction", cause), KindIntegrity},
		{"configuration", ConfigurationError(CodeMissingConfig, "database.dsn", "", nil), KindConfiguration},
		{"storage", StorageError(CodeReadFailed, "file://x", cause), KindStorage},
		{"internal", InternalError(CodePanic, "process", nil), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, tt.err.Kind)
			}
			if tt.err.Message == "" {
				t.Error("expected a message")
			}
			if !IsKind(tt.err, tt.kind) {
				t.Errorf("IsKind(%s) returned false", tt.kind)
			}
		})
	}
}

func TestParseErrorContext(t *testing.T) {
	err := ParseError(CodeInvalidAmount, 7, "amount", "12..3", nil)

	if err.Context["row"] != 7 {
		t.Errorf("expected row 7 in context, got %v", err.Context["row"])
	}
	if !strings.Contains(err.Message, "row 7") {
		t.Errorf("expected message to mention row, got %q", err.Message)
	}

	rowErr := RowErrorFrom(7, err)
	if rowErr.Field != "amount" || rowErr.Value != "12..3" {
		t.Errorf("unexpected row error %+v", rowErr)
	}
	if rowErr.Kind != KindParse || rowErr.Code != CodeInvalidAmount {
		t.Errorf("unexpected kind/code %s/%s", rowErr.Kind, rowErr.Code)
	}
}

func TestAsEngineErrorThroughWrapping(t *testing.T) {
	base := ValidationError(CodeMissingColumn, "amount", nil, nil)
	wrapped := fmt.Errorf("import failed: %w", base)

	got, ok := AsEngineError(wrapped)
	if !ok {
		t.Fatal("expected to find EngineError in chain")
	}
	if got != base {
		t.Error("expected the original error")
	}

	if _, ok := AsEngineError(errors.New("plain")); ok {
		t.Error("plain error should not be an EngineError")
	}
}

func TestWrapIfNeeded(t *testing.T) {
	if WrapIfNeeded(nil, KindInternal, CodeUnexpectedError, "x") != nil {
		t.Error("nil should stay nil")
	}

	existing := StorageError(CodeNotFound, "batch", nil)
	if got := WrapIfNeeded(existing, KindInternal, CodeUnexpectedError, "x"); got != existing {
		t.Error("existing EngineError should be returned unchanged")
	}

	got := WrapIfNeeded(errors.New("disk"), KindInternal, CodeUnexpectedError, "x")
	if got.Kind != KindInternal {
		t.Errorf("expected internal kind, got %s", got.Kind)
	}
}

func TestWithRowsCapsEntries(t *testing.T) {
	rows := make([]RowError, 30)
	for i := range rows {
		rows[i] = RowError{Row: i + 1, Reason: "bad"}
	}

	err := InternalError(CodeBatchFailed, "process", nil).WithRows(rows, DefaultMaxRowErrors)
	if len(err.Rows) != DefaultMaxRowErrors {
		t.Errorf("expected %d rows, got %d", DefaultMaxRowErrors, len(err.Rows))
	}
	if err.Rows[0].Row != 1 {
		t.Errorf("expected first row to be kept, got %d", err.Rows[0].Row)
	}
}

func TestRowErrorCollector(t *testing.T) {
	c := NewRowErrorCollector(3)
	if c.HasErrors() {
		t.Error("new collector should be empty")
	}

	for i := 1; i <= 5; i++ {
		c.Add(i, ParseError(CodeInvalidDate, i, "date", "x", nil))
	}
	c.Add(6, nil)

	if c.Total() != 5 {
		t.Errorf("expected total 5, got %d", c.Total())
	}
	if len(c.Rows()) != 3 {
		t.Errorf("expected 3 retained rows, got %d", len(c.Rows()))
	}

	summary := c.Summary()
	if !strings.Contains(summary, "5 row(s) failed") {
		t.Errorf("unexpected summary %q", summary)
	}
	if !strings.Contains(summary, "showing first 3") {
		t.Errorf("summary should mention truncation: %q", summary)
	}
}

func TestErrorSummary(t *testing.T) {
	errs := []*EngineError{
		New(KindParse, CodeInvalidAmount, "invalid amount"),
		New(KindParse, CodeInvalidDate, "invalid date"),
		New(KindStorage, CodeNotFound, "file not found"),
	}

	summary := NewErrorSummary(errs)

	if summary.Total != 3 {
		t.Errorf("expected total 3, got %d", summary.Total)
	}
	if summary.ByKind[KindParse] != 2 {
		t.Errorf("expected 2 parse errors, got %d", summary.ByKind[KindParse])
	}
	if !summary.HasKind(KindStorage) {
		t.Error("expected to have storage errors")
	}
	if summary.HasKind(KindTransport) {
		t.Error("expected not to have transport errors")
	}
	if !summary.HasCode(CodeInvalidDate) {
		t.Error("expected invalid_date code")
	}
	if summary.GetExitCode() != 3 {
		t.Errorf("expected exit code 3, got %d", summary.GetExitCode())
	}

	empty := NewErrorSummary(nil)
	if empty.Error() != "no errors" || empty.GetExitCode() != 0 {
		t.Errorf("unexpected empty summary %q/%d", empty.Error(), empty.GetExitCode())
	}
}
