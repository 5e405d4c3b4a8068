package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	out     io.Writer
	logger  logger.Logger
	verbose bool
}

// NewCLIErrorHandler creates a handler that writes to out.
func NewCLIErrorHandler(out io.Writer) *CLIErrorHandler {
	if out == nil {
		out = os.Stderr
	}
	return &CLIErrorHandler{
		out:     out,
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
	}
}

// HandleError prints err and returns the process exit code.
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	var summary *engerrors.ErrorSummary
	if errors.As(err, &summary) {
		return h.handleSummary(summary)
	}
	if engErr, ok := engerrors.AsEngineError(err); ok {
		return h.handleEngineError(engErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleEngineError(err *engerrors.EngineError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if len(err.Rows) > 0 {
		fmt.Fprintf(h.out, "\n%s\n", FormatRowErrors(err.Rows))
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	if help := kindHelp(err.Kind); help != "" {
		fmt.Fprintf(h.out, "\n%s\n", help)
	}

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleSummary(summary *engerrors.ErrorSummary) int {
	fmt.Fprintf(h.out, "Error: %s\n", summary.Error())
	for i, err := range summary.SampleErrors {
		if file, ok := err.Context["file"]; ok {
			fmt.Fprintf(h.out, "  %d. %v: %s\n", i+1, file, err.Error())
			continue
		}
		fmt.Fprintf(h.out, "  %d. %s\n", i+1, err.Error())
	}
	if summary.Total > len(summary.SampleErrors) {
		fmt.Fprintf(h.out, "  ... and %d more\n", summary.Total-len(summary.SampleErrors))
	}
	return summary.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	switch {
	case isFileNotFoundError(err):
		fmt.Fprintf(h.out, "Error: File not found\n")
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	case isPermissionError(err):
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	case isDiskFullError(err):
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	// Cobra usage errors: unknown flags, missing arguments.
	fmt.Fprintf(h.out, "Error: %v\n", err)
	fmt.Fprintf(h.out, "Run 'importer --help' for usage.\n")
	return 1
}

// kindHelp returns kind-specific help text
func kindHelp(kind engerrors.Kind) string {
	switch kind {
	case engerrors.KindValidation:
		return `Validation error help:
• Check that the file is an export from a supported bank, processor or store
• Verify the header row matches the export format
• Check that the organization owns the store
• Use 'importer batch --status failed' to review earlier failures`

	case engerrors.KindParse:
		return `Parse error help:
• Check the listed rows for amounts and dates in an unexpected notation
• Ensure the file uses UTF-8 encoding
• Fix the rows and run 'importer reprocess' on the failed batch`

	case engerrors.KindTransport:
		return `Transport error help:
• Check network access to the store platform
• Verify the store credentials under shopify.stores
• Retry later if the API quota was exhausted`

	case engerrors.KindIntegrity:
		return `Integrity error help:
• The batch was rolled back; no transactions were written
• Check for conflicting external ids in the ledger
• Reprocess the batch once the conflict is resolved`

	case engerrors.KindConfiguration:
		return `Configuration error help:
• Check your command-line flags and arguments
• Verify configuration file syntax if using --config
• Check IMPORTER_* environment variables and the .env file`

	case engerrors.KindStorage:
		return `Storage error help:
• Check database.dsn and that the database is reachable
• Run 'importer migrate' to bring the schema up to date
• Check the upload storage directory or bucket permissions`
	}
	return ""
}

func isFileNotFoundError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "no such file or directory")
}

func isPermissionError(err error) bool {
	return errors.Is(err, os.ErrPermission) ||
		strings.Contains(err.Error(), "permission denied") ||
		strings.Contains(err.Error(), "access denied")
}

func isDiskFullError(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "disk full") ||
		strings.Contains(msg, "device full")
}

// FormatRowErrors formats row errors in a user-friendly way
func FormatRowErrors(rows []engerrors.RowError) string {
	if len(rows) == 0 {
		return ""
	}

	lines := []string{fmt.Sprintf("Found %d row errors:", len(rows))}
	for i, row := range rows {
		if i >= 10 {
			lines = append(lines, fmt.Sprintf("  ... and %d more errors", len(rows)-10))
			break
		}
		lines = append(lines, "  "+row.String())
	}
	return strings.Join(lines, "\n")
}
