package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
)

// Flags for the batch command
var (
	batchOrg    string
	batchStore  string
	batchStatus string
	batchLimit  int
)

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch [BATCH]",
	Short: "Show an import batch or list recent batches",
	Long: `Batch prints the status, counters and row errors of one import batch.
Without a batch id it lists recent batches, newest first.

Examples:
  importer batch 7f9c2f4e-0d4b-4a36-9d8e-3f1f7e0b9a11
  importer batch --org org-1 --status failed
  importer batch --store store-1 --limit 5 --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringVar(&batchOrg, "org", "", "only batches of this organization")
	batchCmd.Flags().StringVar(&batchStore, "store", "", "only batches of this store")
	batchCmd.Flags().StringVar(&batchStatus, "status", "", "only batches in this status: pending, processing, completed, failed")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 20, "maximum number of batches to list")
	addOutputFlags(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	filter, err := batchFilter()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		batch, err := a.orchestrator.Batch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeReport(cmd, a, batch)
	}

	batches, err := a.orchestrator.Batches(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return writeReport(cmd, a, batches)
}

func batchFilter() (store.BatchFilter, error) {
	filter := store.BatchFilter{
		OrganizationID: batchOrg,
		StoreID:        batchStore,
		Status:         models.BatchStatus(batchStatus),
		Limit:          batchLimit,
	}

	switch filter.Status {
	case "", models.BatchPending, models.BatchProcessing, models.BatchCompleted, models.BatchFailed:
	default:
		return filter, engerrors.ValidationError(engerrors.CodeMissingField, "status", batchStatus,
			fmt.Errorf("unknown batch status %q", batchStatus)).
			WithSuggestion("use pending, processing, completed or failed")
	}
	if filter.Limit <= 0 {
		return filter, engerrors.ValidationError(engerrors.CodeMissingField, "limit", batchLimit,
			fmt.Errorf("limit must be positive"))
	}
	return filter, nil
}
