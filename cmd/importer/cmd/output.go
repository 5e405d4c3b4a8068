package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-import-engine/internal/reporter"
)

// Output flags shared by every command that prints a report.
var (
	outputFormat string
	outputFile   string
)

func addOutputFlags(c *cobra.Command) {
	c.Flags().StringVarP(&outputFormat, "format", "f", "", "output format: console, json, csv (default from report.format)")
	c.Flags().StringVarP(&outputFile, "output-file", "o", "", "write the report to a file instead of stdout")
}

// writeReport renders result to the command output or to --output-file.
func writeReport(c *cobra.Command, a *app, result any) error {
	format := outputFormat
	if format == "" {
		format = a.cfg.Report.Format
	}

	rc := reporter.DefaultReportConfig()
	rc.Format = reporter.OutputFormat(format)
	rc.MaxRowErrors = a.cfg.Import.MaxRowErrors

	gen, err := reporter.NewSafeReportGenerator(rc, nil, a.log)
	if err != nil {
		return err
	}

	if outputFile == "" {
		return gen.Generate(result, c.OutOrStdout())
	}

	path, err := gen.GenerateToFile(result, outputFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.ErrOrStderr(), "Report written to %s\n", path)
	return nil
}
