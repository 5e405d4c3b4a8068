// Package errors defines the closed set of failure kinds used by the import
// and reconciliation engine.
//
// Every failure that leaves the engine is an *EngineError carrying a Kind, a
// machine-readable Code, a human-readable Message and an optional Suggestion.
// Callers switch on Kind instead of inspecting message text:
//
//	if engErr, ok := errors.AsEngineError(err); ok && engErr.Kind == errors.KindTransport {
//		// retry later
//	}
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the failure category. The set is closed; new kinds require a
// matching exit code and help text in the CLI.
type Kind string

const (
	// KindValidation covers input rejected before processing starts:
	// unknown format, missing column, malformed credentials.
	KindValidation Kind = "validation"
	// KindParse covers a single record that could not be parsed.
	KindParse Kind = "parse"
	// KindTransport covers API timeouts, non-2xx responses and exhausted quotas.
	KindTransport Kind = "transport"
	// KindIntegrity covers constraint violations that force a rollback.
	KindIntegrity Kind = "integrity"
	KindConfiguration Kind = "configuration"
	KindStorage       Kind = "storage"
	KindInternal      Kind = "internal"
)

// ErrorCode represents specific error codes within kinds
type ErrorCode string

const (
	// Validation errors
	CodeUnknownFormat      ErrorCode = "unknown_format"
	CodeLowConfidence      ErrorCode = "low_confidence"
	CodeMissingColumn      ErrorCode = "missing_column"
	CodeMissingField       ErrorCode = "missing_field"
	CodeInvalidCredentials ErrorCode = "invalid_credentials"
	CodeNoStrategy         ErrorCode = "no_strategy"
	CodeDuplicateFile      ErrorCode = "duplicate_file"
	CodeInvalidTransition  ErrorCode = "invalid_transition"
	CodeEmptyInput         ErrorCode = "empty_input"

	// Parse errors
	CodeInvalidAmount    ErrorCode = "invalid_amount"
	CodeInvalidDate      ErrorCode = "invalid_date"
	CodeOutOfRange       ErrorCode = "out_of_range"
	CodeIdentityMismatch ErrorCode = "identity_mismatch"
	CodeInvalidRecord    ErrorCode = "invalid_record"
	CodeMissingRate      ErrorCode = "missing_rate"

	// Transport errors
	CodeTimeout            ErrorCode = "timeout"
	CodeQuotaExceeded      ErrorCode = "quota_exceeded"
	CodeBadStatus          ErrorCode = "bad_status"
	CodeConnectionFailed   ErrorCode = "connection_failed"

	// Integrity errors
	CodeDuplicateKey ErrorCode = "duplicate_key"
	CodeRollback     ErrorCode = "rollback"

	// CodeBalanceMismatch marks a reconciliation outside tolerance.
	CodeBalanceMismatch ErrorCode = "balance_mismatch"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Storage errors
	CodeNotFound    ErrorCode = "not_found"
	CodeReadFailed  ErrorCode = "read_failed"
	CodeWriteFailed ErrorCode = "write_failed"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
	CodePanic           ErrorCode = "panic"
	CodeBatchFailed     ErrorCode = "batch_failed"
)

// EngineError is the base error type for all engine errors
type EngineError struct {
	Kind       Kind              `json:"kind"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Rows       []RowError        `json:"rows,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *EngineError) GetExitCode() int {
	switch e.Kind {
	case KindStorage:
		return 2
	case KindParse, KindValidation:
		return 3
	case KindConfiguration:
		return 4
	case KindIntegrity, KindInternal:
		return 5
	case KindTransport:
		return 6
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *EngineError) WithSuggestion(suggestion string) *EngineError {
	e.Suggestion = suggestion
	return e
}

// WithRows attaches row-level detail, capped at limit entries.
func (e *EngineError) WithRows(rows []RowError, limit int) *EngineError {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	e.Rows = append([]RowError(nil), rows...)
	return e
}

// New creates a new EngineError
func New(kind Kind, code ErrorCode, message string) *EngineError {
	return &EngineError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with EngineError context
func Wrap(err error, kind Kind, code ErrorCode, message string) *EngineError {
	if err == nil {
		return nil
	}

	return &EngineError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(kind Kind, code ErrorCode, message string, err error) *EngineError {
	if err != nil {
		return Wrap(err, kind, code, message)
	}
	return New(kind, code, message)
}

// ValidationError creates an error for input rejected before processing.
func ValidationError(code ErrorCode, field string, value interface{}, err error) *EngineError {
	var message, suggestion string

	switch code {
	case CodeUnknownFormat:
		message = "unrecognised export format"
		suggestion = "upload an unmodified export from a supported bank or processor"
	case CodeLowConfidence:
		message = fmt.Sprintf("format detection confidence too low for %v", value)
		suggestion = "check that the header row was not edited"
	case CodeMissingColumn:
		message = fmt.Sprintf("required column '%s' is missing", field)
		suggestion = "export the file again with all default columns enabled"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	case CodeInvalidCredentials:
		message = fmt.Sprintf("invalid credential field '%s'", field)
		suggestion = "reconnect the store to refresh its credentials"
	case CodeNoStrategy:
		message = "no import strategy can handle this input"
		suggestion = "check the import type and input shape"
	case CodeDuplicateFile:
		message = fmt.Sprintf("file was already imported by batch %v", value)
		suggestion = "skip the upload or force an explicit re-import"
	case CodeInvalidTransition:
		message = fmt.Sprintf("invalid batch transition for '%s': %v", field, value)
		suggestion = "only failed batches can be reprocessed"
	case CodeEmptyInput:
		message = "input contains no records"
		suggestion = "make sure the export covers a non-empty date range"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	return build(KindValidation, code, message, err).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ParseError creates an error scoped to a single record.
func ParseError(code ErrorCode, row int, field string, value string, err error) *EngineError {
	var message string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("row %d: invalid amount in '%s': '%s'", row, field, value)
	case CodeInvalidDate:
		message = fmt.Sprintf("row %d: invalid date in '%s': '%s'", row, field, value)
	case CodeOutOfRange:
		message = fmt.Sprintf("row %d: value out of range in '%s': '%s'", row, field, value)
	case CodeIdentityMismatch:
		message = fmt.Sprintf("row %d: net amount does not equal gross minus fee (%s)", row, value)
	case CodeMissingRate:
		message = fmt.Sprintf("row %d: no exchange rate for currency '%s'", row, value)
	default:
		message = fmt.Sprintf("row %d: invalid record in '%s': '%s'", row, field, value)
	}

	return build(KindParse, code, message, err).
		WithContext("row", row).
		WithContext("field", field).
		WithContext("value", value)
}

// TransportError creates a batch-scoped error for external API failures.
func TransportError(code ErrorCode, endpoint string, err error) *EngineError {
	var message, suggestion string

	switch code {
	case CodeTimeout:
		message = fmt.Sprintf("timeout calling %s", endpoint)
		suggestion = "reprocess the batch later"
	case CodeQuotaExceeded:
		message = fmt.Sprintf("quota exceeded calling %s", endpoint)
		suggestion = "wait for the API quota to reset before reprocessing"
	case CodeBadStatus:
		message = fmt.Sprintf("unexpected response from %s", endpoint)
		suggestion = "check the store connection and API version"
	case CodeConnectionFailed:
		message = fmt.Sprintf("connection failed to %s", endpoint)
		suggestion = "check network connectivity and endpoint availability"
	default:
		message = fmt.Sprintf("transport error: %s", endpoint)
		suggestion = "check network connection and try again"
	}

	return build(KindTransport, code, message, err).
		WithSuggestion(suggestion).
		WithContext("endpoint", endpoint)
}

// IntegrityError creates an error that forces the whole batch to roll back.
func IntegrityError(code ErrorCode, operation string, err error) *EngineError {
	var message string

	switch code {
	case CodeDuplicateKey:
		message = fmt.Sprintf("duplicate key during %s", operation)
	case CodeRollback:
		message = fmt.Sprintf("transaction rolled back during %s", operation)
	default:
		message = fmt.Sprintf("integrity error during %s", operation)
	}

	return build(KindIntegrity, code, message, err).
		WithSuggestion("the batch was rolled back; reprocess it once the conflict is resolved").
		WithContext("operation", operation)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *EngineError {
	var message, suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(KindConfiguration, code, message, err).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// StorageError creates an error for batch, transaction or file storage failures.
func StorageError(code ErrorCode, resource string, err error) *EngineError {
	var message string

	switch code {
	case CodeNotFound:
		message = fmt.Sprintf("%s not found", resource)
	case CodeReadFailed:
		message = fmt.Sprintf("failed to read %s", resource)
	case CodeWriteFailed:
		message = fmt.Sprintf("failed to write %s", resource)
	default:
		message = fmt.Sprintf("storage error: %s", resource)
	}

	return build(KindStorage, code, message, err).
		WithContext("resource", resource)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *EngineError {
	var message, suggestion string

	switch code {
	case CodePanic:
		message = fmt.Sprintf("unexpected panic during %s", operation)
		suggestion = "this is a bug - please report it with the batch id"
	case CodeBatchFailed:
		message = fmt.Sprintf("batch failed during %s", operation)
		suggestion = "inspect the row errors and reprocess the batch"
	case CodeUnexpectedError:
		message = fmt.Sprintf("unexpected error during %s", operation)
		suggestion = "this is likely a bug - please report it with the error details"
	default:
		message = fmt.Sprintf("internal error during %s", operation)
		suggestion = "try again or contact support if the problem persists"
	}

	return build(KindInternal, code, message, err).
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int               `json:"total"`
	ByKind       map[Kind]int      `json:"by_kind"`
	ByCode       map[ErrorCode]int `json:"by_code"`
	Errors       []*EngineError    `json:"errors"`
	SampleErrors []*EngineError    `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*EngineError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:  len(errs),
		ByKind: make(map[Kind]int),
		ByCode: make(map[ErrorCode]int),
		Errors: errs,
	}
	if len(errs) == 0 {
		summary.Errors = []*EngineError{}
		return summary
	}

	for _, err := range errs {
		summary.ByKind[err.Kind]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var kinds []string
	for kind, count := range es.ByKind {
		kinds = append(kinds, fmt.Sprintf("%s: %d", kind, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(kinds, ", "))
}

// HasKind checks if the summary contains errors of the given kind
func (es *ErrorSummary) HasKind(kind Kind) bool {
	return es.ByKind[kind] > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// IsEngineError checks if an error is an EngineError
func IsEngineError(err error) bool {
	_, ok := err.(*EngineError)
	return ok
}

// AsEngineError extracts an EngineError from an error chain
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// IsKind reports whether err carries an EngineError of the given kind.
func IsKind(err error, kind Kind) bool {
	engineErr, ok := AsEngineError(err)
	return ok && engineErr.Kind == kind
}

// WrapIfNeeded wraps an error if it's not already an EngineError
func WrapIfNeeded(err error, kind Kind, code ErrorCode, message string) *EngineError {
	if err == nil {
		return nil
	}

	if engineErr, ok := AsEngineError(err); ok {
		return engineErr
	}

	return Wrap(err, kind, code, message)
}
