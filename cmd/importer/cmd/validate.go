package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-import-engine/internal/reconciler"
	engerrors "ledger-import-engine/pkg/errors"
)

// Flags for the validate-balances command
var (
	validateFresh  bool
	validateNotify bool
	validateStrict bool
)

// validateBalancesCmd represents the validate-balances command
var validateBalancesCmd = &cobra.Command{
	Use:   "validate-balances ORG",
	Short: "Check the ledger against cash and inventory balances",
	Long: `Validate-balances compares the organization's cash (active bank and
processor accounts) plus inventory value with the balance derived from its
transaction ledger, converted to the reporting currency.

Results are cached for reconciliation.cache_ttl; --fresh recomputes them.

Examples:
  importer validate-balances org-1
  importer validate-balances org-1 --fresh --notify
  importer validate-balances org-1 --strict --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidateBalances,
}

func init() {
	rootCmd.AddCommand(validateBalancesCmd)

	validateBalancesCmd.Flags().BoolVar(&validateFresh, "fresh", false, "ignore cached results")
	validateBalancesCmd.Flags().BoolVar(&validateNotify, "notify", false, "send the result to the configured notifier")
	validateBalancesCmd.Flags().BoolVar(&validateStrict, "strict", false, "exit with an error when balances do not reconcile")
	addOutputFlags(validateBalancesCmd)
}

func runValidateBalances(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var notifier reconciler.Notifier
	if validateNotify {
		notifier = reconciler.NewLogNotifier(a.log)
	}

	result, err := a.reconciler.ValidateAndNotify(cmd.Context(), args[0], validateFresh, notifier)
	if err != nil {
		return err
	}
	if err := writeReport(cmd, a, result); err != nil {
		return err
	}

	if validateStrict && !result.IsValid {
		return engerrors.New(engerrors.KindIntegrity, engerrors.CodeBalanceMismatch,
			fmt.Sprintf("balances differ by %s %s", result.Difference.StringFixed(2), result.Currency)).
			WithContext("organization_id", args[0]).
			WithSuggestion("import missing statements or check account balances")
	}
	return nil
}
