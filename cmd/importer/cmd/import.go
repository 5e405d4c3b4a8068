package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"ledger-import-engine/internal/importer"
	"ledger-import-engine/internal/models"
	engerrors "ledger-import-engine/pkg/errors"
)

// Flags for the import command
var (
	importOrg      string
	importStore    string
	importForce    bool
	importProgress bool
)

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Import bank, processor or store export files",
	Long: `Import detects the export format of each file, parses every record
into the transaction ledger and records the outcome as an import batch.
A batch either commits all of its transactions or none of them.

A file whose exact content was already imported for the organization is
rejected unless --force is given; re-imported rows are then counted as
duplicates.

Examples:
  importer import mercury.csv --org org-1 --store store-1
  importer import jan.csv feb.csv --org org-1 --store store-1 --format json
  importer import stripe.csv --org org-1 --store store-1 --force --progress`,
	Args: cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			if err := validateFileExists(path); err != nil {
				return err
			}
		}
		return nil
	},
	RunE: runImport,
}

// reprocessCmd represents the reprocess command
var reprocessCmd = &cobra.Command{
	Use:   "reprocess BATCH",
	Short: "Run a failed batch again",
	Long: `Reprocess resets a failed batch to pending and runs it again from its
stored file or sync parameters. Completed batches cannot be reprocessed.`,
	Args: cobra.ExactArgs(1),
	RunE: runReprocess,
}

func init() {
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(reprocessCmd)

	importCmd.Flags().StringVar(&importOrg, "org", "", "organization id (required)")
	importCmd.Flags().StringVar(&importStore, "store", "", "store id (required)")
	importCmd.Flags().BoolVar(&importForce, "force", false, "import content that was already imported")
	importCmd.Flags().BoolVar(&importProgress, "progress", false, "show progress while records are processed")
	importCmd.MarkFlagRequired("org")
	importCmd.MarkFlagRequired("store")
	addOutputFlags(importCmd)

	addOutputFlags(reprocessCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if importProgress {
		stderr := cmd.ErrOrStderr()
		a.orchestrator.Progress().AddCallback(func(p importer.Progress) {
			fmt.Fprintf(stderr, "\r%s: %d/%d records (%.0f%%)", p.BatchID, p.Processed, p.Total, p.PercentComplete)
		})
	}

	var (
		batches []*models.ImportBatch
		failed  []*engerrors.EngineError
	)
	for _, path := range args {
		batch, err := importFile(cmd, a, path)
		if importProgress {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
		if batch != nil {
			batches = append(batches, batch)
		}
		if err != nil {
			failed = append(failed, engerrors.WrapIfNeeded(err, engerrors.KindInternal,
				engerrors.CodeBatchFailed, "import failed").WithContext("file", path))
		}
	}

	if len(args) == 1 {
		if len(batches) == 1 {
			if err := writeReport(cmd, a, batches[0]); err != nil {
				return err
			}
		}
		if len(failed) == 1 {
			return failed[0]
		}
		return nil
	}

	if err := writeReport(cmd, a, batches); err != nil {
		return err
	}
	if len(failed) > 0 {
		return engerrors.NewErrorSummary(failed)
	}
	return nil
}

func importFile(cmd *cobra.Command, a *app, path string) (*models.ImportBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engerrors.StorageError(engerrors.CodeReadFailed, path, err)
	}

	return a.orchestrator.Import(cmd.Context(), importer.FileRequest{
		OrganizationID: importOrg,
		StoreID:        importStore,
		Filename:       filepath.Base(path),
		Data:           data,
		Force:          importForce,
	})
}

func runReprocess(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.orchestrator.Reprocess(cmd.Context(), args[0]); err != nil {
		return err
	}
	batch, runErr := a.orchestrator.Run(cmd.Context(), args[0])
	if batch != nil {
		if err := writeReport(cmd, a, batch); err != nil {
			return err
		}
	}
	return runErr
}

// validateFileExists checks that path names a readable regular file.
func validateFileExists(path string) error {
	if path == "" {
		return engerrors.ValidationError(engerrors.CodeMissingField, "file", "", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return engerrors.StorageError(engerrors.CodeNotFound, path, err).
			WithSuggestion("check that the file path is correct and the file exists")
	}
	if info.IsDir() {
		return engerrors.ValidationError(engerrors.CodeInvalidRecord, "file", path,
			fmt.Errorf("%s is a directory", path))
	}
	return nil
}
