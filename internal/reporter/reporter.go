// Package reporter renders import batches and reconciliation results for
// operators.
//
// Supported output formats:
//   - Console: human-readable text for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one line per row error, batch or account for spreadsheets
//
// Example usage:
//
//	gen, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatJSON})
//	err = gen.GenerateBatchReport(batch, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/parsers"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format" mapstructure:"format"`

	IncludeRowErrors bool `json:"include_row_errors" mapstructure:"include_row_errors"`
	IncludeBreakdown bool `json:"include_breakdown" mapstructure:"include_breakdown"`
	// MaxRowErrors limits console output; zero prints all stored errors.
	MaxRowErrors int `json:"max_row_errors" mapstructure:"max_row_errors"`

	CSVDelimiter rune `json:"csv_delimiter" mapstructure:"-"`
	CSVHeaders   bool `json:"csv_headers" mapstructure:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:           FormatConsole,
		IncludeRowErrors: true,
		IncludeBreakdown: true,
		MaxRowErrors:     10,
		CSVDelimiter:     ',',
		CSVHeaders:       true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxRowErrors < 0 {
		return fmt.Errorf("max row errors cannot be negative, got %d", c.MaxRowErrors)
	}
	return nil
}

// ReportGenerator renders batches and reconciliation results.
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	if config.CSVDelimiter == 0 {
		config.CSVDelimiter = ','
	}
	return &ReportGenerator{config: config}, nil
}

// Format returns the configured output format.
func (rg *ReportGenerator) Format() OutputFormat {
	return rg.config.Format
}

// GenerateBatchReport writes a single batch.
func (rg *ReportGenerator) GenerateBatchReport(batch *models.ImportBatch, writer io.Writer) error {
	if batch == nil {
		return fmt.Errorf("import batch cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		rg.printBatch(batch, writer)
		return nil
	case FormatJSON:
		return writeJSON(writer, batch)
	case FormatCSV:
		return rg.writeRowErrorsCSV(batch, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// GenerateBatchListReport writes a list of batches, one line or record each.
func (rg *ReportGenerator) GenerateBatchListReport(batches []*models.ImportBatch, writer io.Writer) error {
	switch rg.config.Format {
	case FormatConsole:
		if len(batches) == 0 {
			fmt.Fprintln(writer, "No import batches found")
			return nil
		}
		fmt.Fprintf(writer, "%-36s  %-10s  %-16s  %7s  %7s  %7s  %7s\n",
			"BATCH", "STATUS", "SOURCE", "TOTAL", "OK", "FAILED", "DUPES")
		for _, b := range batches {
			fmt.Fprintf(writer, "%-36s  %-10s  %-16s  %7d  %7d  %7d  %7d\n",
				b.ID, b.Status, orDash(b.Source), b.TotalRecords, b.Successful, b.Failed, b.Duplicates)
		}
		return nil
	case FormatJSON:
		if batches == nil {
			batches = []*models.ImportBatch{}
		}
		return writeJSON(writer, batches)
	case FormatCSV:
		w := rg.csvWriter(writer)
		if rg.config.CSVHeaders {
			if err := w.Write([]string{"batch_id", "store_id", "type", "source", "status", "filename",
				"total", "successful", "failed", "duplicates", "skipped", "created_at"}); err != nil {
				return fmt.Errorf("failed to write CSV headers: %w", err)
			}
		}
		for _, b := range batches {
			record := []string{
				b.ID, b.StoreID, string(b.ImportType), b.Source, string(b.Status), b.Filename,
				strconv.Itoa(b.TotalRecords), strconv.Itoa(b.Successful), strconv.Itoa(b.Failed),
				strconv.Itoa(b.Duplicates), strconv.Itoa(b.Skipped), b.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := w.Write(record); err != nil {
				return fmt.Errorf("failed to write batch record: %w", err)
			}
		}
		w.Flush()
		return w.Error()
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// GenerateReconciliationReport writes a reconciliation result.
func (rg *ReportGenerator) GenerateReconciliationReport(result *models.ReconciliationResult, writer io.Writer) error {
	if result == nil {
		return fmt.Errorf("reconciliation result cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		rg.printReconciliation(result, writer)
		return nil
	case FormatJSON:
		if rg.config.IncludeBreakdown {
			return writeJSON(writer, result)
		}
		filtered := *result
		filtered.Breakdown = models.Breakdown{}
		return writeJSON(writer, &filtered)
	case FormatCSV:
		return rg.writeReconciliationCSV(result, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func writeJSON(writer io.Writer, v any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (rg *ReportGenerator) csvWriter(writer io.Writer) *csv.Writer {
	w := csv.NewWriter(writer)
	w.Comma = rg.config.CSVDelimiter
	return w
}

func (rg *ReportGenerator) writeRowErrorsCSV(batch *models.ImportBatch, writer io.Writer) error {
	w := rg.csvWriter(writer)
	if rg.config.CSVHeaders {
		if err := w.Write([]string{"batch_id", "row", "field", "value", "kind", "code", "reason"}); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}
	for _, e := range batch.Errors {
		record := []string{batch.ID, strconv.Itoa(e.Row), e.Field, e.Value, string(e.Kind), string(e.Code), e.Reason}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write row error record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func (rg *ReportGenerator) writeReconciliationCSV(r *models.ReconciliationResult, writer io.Writer) error {
	w := rg.csvWriter(writer)
	if rg.config.CSVHeaders {
		if err := w.Write([]string{"section", "id", "name", "currency", "amount", "converted"}); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	var records [][]string
	if rg.config.IncludeBreakdown {
		for _, a := range r.Breakdown.BankAccounts {
			records = append(records, []string{"bank", a.ID, a.Name, a.Currency, a.Current.String(), a.Converted.StringFixed(2)})
		}
		for _, a := range r.Breakdown.ProcessorAccounts {
			records = append(records, []string{"processor", a.ID, a.Name, a.Currency, a.Current.Add(a.Pending).String(), a.Converted.StringFixed(2)})
		}
		for _, s := range r.Breakdown.Stores {
			records = append(records, []string{"store", s.StoreID, s.Name, r.Currency, s.Net.String(), s.Net.StringFixed(2)})
		}
	}
	records = append(records,
		[]string{"total", "cash", "", r.Currency, r.CashTotal.String(), r.CashTotal.StringFixed(2)},
		[]string{"total", "inventory", "", r.Currency, r.InventoryTotal.String(), r.InventoryTotal.StringFixed(2)},
		[]string{"total", "ledger", "", r.Currency, r.CalculatedBalance.String(), r.CalculatedBalance.StringFixed(2)},
		[]string{"total", "difference", "", r.Currency, r.Difference.String(), r.Difference.StringFixed(2)},
	)

	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write reconciliation records: %w", err)
	}
	return nil
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printBatch(b *models.ImportBatch, writer io.Writer) {
	fmt.Fprintf(writer, "IMPORT BATCH %s\n", b.ID)
	fmt.Fprintf(writer, "Status:   %s\n", strings.ToUpper(string(b.Status)))
	fmt.Fprintf(writer, "Store:    %s (%s)\n", b.StoreID, b.OrganizationID)
	fmt.Fprintf(writer, "Type:     %s\n", b.ImportType)
	if b.Source != "" {
		fmt.Fprintf(writer, "Source:   %s\n", b.Source)
	}
	if b.Filename != "" {
		fmt.Fprintf(writer, "File:     %s\n", b.Filename)
	}
	if b.StartedAt != nil && b.CompletedAt != nil {
		fmt.Fprintf(writer, "Duration: %v\n", b.CompletedAt.Sub(*b.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(writer)

	fmt.Fprintf(writer, "=== RECORDS ===\n")
	fmt.Fprintf(writer, "  Total:      %d\n", b.TotalRecords)
	fmt.Fprintf(writer, "  Successful: %d (%.1f%%)\n", b.Successful, percentage(b.Successful, b.TotalRecords))
	fmt.Fprintf(writer, "  Failed:     %d (%.1f%%)\n", b.Failed, percentage(b.Failed, b.TotalRecords))
	fmt.Fprintf(writer, "  Duplicates: %d\n", b.Duplicates)
	fmt.Fprintf(writer, "  Skipped:    %d\n", b.Skipped)

	if s := b.Summary; s != nil {
		fmt.Fprintf(writer, "\n=== SUMMARY ===\n")
		if s.Format != "" {
			fmt.Fprintf(writer, "  Format:     %s (confidence %.2f)\n", s.Format, s.Confidence)
		}
		if s.PrimaryCurrency != "" {
			fmt.Fprintf(writer, "  Currency:   %s\n", s.PrimaryCurrency)
		}
		if s.DateFrom != nil && s.DateTo != nil {
			fmt.Fprintf(writer, "  Dates:      %s to %s\n", s.DateFrom.Format("2006-01-02"), s.DateTo.Format("2006-01-02"))
		}
		if s.Message != "" {
			fmt.Fprintf(writer, "  Message:    %s\n", s.Message)
		}
	}

	if b.ErrorMessage != "" {
		fmt.Fprintf(writer, "\nError: %s\n", b.ErrorMessage)
	}

	if rg.config.IncludeRowErrors && len(b.Errors) > 0 {
		fmt.Fprintf(writer, "\n=== ROW ERRORS ===\n")
		for i, e := range b.Errors {
			if rg.config.MaxRowErrors > 0 && i >= rg.config.MaxRowErrors {
				fmt.Fprintf(writer, "  ... and %d more\n", len(b.Errors)-i)
				break
			}
			fmt.Fprintf(writer, "  - %s\n", e.String())
		}
	}
}

func (rg *ReportGenerator) printReconciliation(r *models.ReconciliationResult, writer io.Writer) {
	status := "VALID"
	if !r.IsValid {
		status = "INVALID"
	}

	fmt.Fprintf(writer, "BALANCE RECONCILIATION %s\n", r.OrganizationID)
	fmt.Fprintf(writer, "Computed: %s", r.ComputedAt.UTC().Format(time.RFC3339))
	if r.Cached {
		fmt.Fprintf(writer, " (cached)")
	}
	fmt.Fprintf(writer, "\nStatus:   %s\n\n", status)

	fmt.Fprintf(writer, "=== TOTALS (%s) ===\n", r.Currency)
	fmt.Fprintf(writer, "  Cash:       %15s\n", parsers.FormatForDisplay(r.CashTotal))
	fmt.Fprintf(writer, "  Inventory:  %15s\n", parsers.FormatForDisplay(r.InventoryTotal))
	fmt.Fprintf(writer, "  Ledger:     %15s\n", parsers.FormatForDisplay(r.CalculatedBalance))
	fmt.Fprintf(writer, "  Difference: %15s  (tolerance %s)\n", parsers.FormatForDisplay(r.Difference), r.Tolerance.StringFixed(2))

	if !rg.config.IncludeBreakdown {
		return
	}

	if len(r.Breakdown.BankAccounts) > 0 {
		fmt.Fprintf(writer, "\n=== BANK ACCOUNTS ===\n")
		printAccounts(r.Breakdown.BankAccounts, writer)
	}
	if len(r.Breakdown.ProcessorAccounts) > 0 {
		fmt.Fprintf(writer, "\n=== PROCESSOR ACCOUNTS ===\n")
		printAccounts(r.Breakdown.ProcessorAccounts, writer)
	}
	fmt.Fprintf(writer, "\n=== INVENTORY ===\n")
	fmt.Fprintf(writer, "  %d active items valued at %s\n", r.Breakdown.Inventory.ActiveItems,
		parsers.FormatForDisplay(r.Breakdown.Inventory.Total))

	if len(r.Breakdown.Stores) > 0 {
		fmt.Fprintf(writer, "\n=== STORES ===\n")
		for _, s := range r.Breakdown.Stores {
			fmt.Fprintf(writer, "  %-24s income %s (%d)  expense %s (%d)  net %s",
				s.Name, parsers.FormatForDisplay(s.Income), s.IncomeCount,
				parsers.FormatForDisplay(s.Expense), s.ExpenseCount, parsers.FormatForDisplay(s.Net))
			if s.ExcludedPersonal > 0 {
				fmt.Fprintf(writer, "  [%d personal excluded]", s.ExcludedPersonal)
			}
			fmt.Fprintln(writer)
		}
	}
}

func printAccounts(accounts []models.AccountBalance, writer io.Writer) {
	for _, a := range accounts {
		native := a.Current
		if !a.Pending.IsZero() {
			native = native.Add(a.Pending)
		}
		fmt.Fprintf(writer, "  %-24s %s %s", a.Name, a.Currency, parsers.FormatForDisplay(native))
		if !a.Pending.Equal(decimal.Zero) {
			fmt.Fprintf(writer, " (pending %s)", parsers.FormatForDisplay(a.Pending))
		}
		fmt.Fprintf(writer, " = %s\n", parsers.FormatForDisplay(a.Converted))
	}
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
