package cmd

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ledger-import-engine/internal/models"
	engerrors "ledger-import-engine/pkg/errors"
)

// Flags for the accounts commands
var (
	accountOrg       string
	accountName      string
	accountCurrency  string
	accountBalance   string
	accountPending   string
	accountProcessor string
	accountPlatform  string
	accountSKU       string
	accountQuantity  string
	accountUnitCost  string
	accountInactive  bool
)

// accountsCmd groups the commands that maintain balance sources.
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Register stores and record account balances",
	Long: `Accounts maintains the records that balance validation reads: stores,
bank accounts, payment-processor accounts and inventory items. Every
subcommand inserts the record or replaces an existing one with the same id.

Examples:
  importer accounts store store-1 --org org-1 --name "Main shop" --platform shopify
  importer accounts bank bank-1 --org org-1 --name Mercury --balance 5000
  importer accounts processor stripe-1 --org org-1 --processor stripe --balance 300 --pending 50
  importer accounts inventory item-1 --org org-1 --sku MUG --quantity 100 --unit-cost 20
  importer accounts list --org org-1`,
}

var storeAccountCmd = &cobra.Command{
	Use:   "store ID",
	Short: "Register a store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return saveAccount(cmd, "store", args[0], func(a *app) error {
			return a.db.UpsertStore(cmd.Context(), &models.Store{
				ID:             args[0],
				OrganizationID: accountOrg,
				Name:           nameOr(args[0]),
				Platform:       accountPlatform,
				IsActive:       !accountInactive,
			})
		})
	},
}

var bankAccountCmd = &cobra.Command{
	Use:   "bank ID",
	Short: "Record a bank account balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		currency, err := currencyFlag()
		if err != nil {
			return err
		}
		balance, err := decimalFlag("balance", accountBalance)
		if err != nil {
			return err
		}
		return saveAccount(cmd, "bank account", args[0], func(a *app) error {
			return a.db.UpsertBankAccount(cmd.Context(), &models.BankAccount{
				ID:             args[0],
				OrganizationID: accountOrg,
				Name:           nameOr(args[0]),
				Currency:       currency,
				CurrentBalance: balance,
				IsActive:       !accountInactive,
			})
		})
	},
}

var processorAccountCmd = &cobra.Command{
	Use:   "processor ID",
	Short: "Record a payment-processor balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		currency, err := currencyFlag()
		if err != nil {
			return err
		}
		balance, err := decimalFlag("balance", accountBalance)
		if err != nil {
			return err
		}
		pending, err := decimalFlag("pending", accountPending)
		if err != nil {
			return err
		}
		return saveAccount(cmd, "processor account", args[0], func(a *app) error {
			return a.db.UpsertProcessorAccount(cmd.Context(), &models.ProcessorAccount{
				ID:             args[0],
				OrganizationID: accountOrg,
				Name:           nameOr(args[0]),
				Processor:      accountProcessor,
				Currency:       currency,
				CurrentBalance: balance,
				PendingBalance: pending,
				IsActive:       !accountInactive,
			})
		})
	},
}

var inventoryItemCmd = &cobra.Command{
	Use:   "inventory ID",
	Short: "Record an inventory item valued at cost",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		currency, err := currencyFlag()
		if err != nil {
			return err
		}
		quantity, err := decimalFlag("quantity", accountQuantity)
		if err != nil {
			return err
		}
		unitCost, err := decimalFlag("unit-cost", accountUnitCost)
		if err != nil {
			return err
		}
		if quantity.IsNegative() || unitCost.IsNegative() {
			return engerrors.ValidationError(engerrors.CodeMissingField, "quantity", quantity.String(),
				fmt.Errorf("quantity and unit cost cannot be negative"))
		}
		return saveAccount(cmd, "inventory item", args[0], func(a *app) error {
			return a.db.UpsertInventoryItem(cmd.Context(), &models.InventoryItem{
				ID:             args[0],
				OrganizationID: accountOrg,
				SKU:            accountSKU,
				Name:           nameOr(args[0]),
				Quantity:       quantity,
				UnitCost:       unitCost,
				Currency:       currency,
				IsActive:       !accountInactive,
			})
		})
	},
}

var listStoresCmd = &cobra.Command{
	Use:   "list",
	Short: "List the stores of an organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stores, err := a.db.ListStores(cmd.Context(), accountOrg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(stores) == 0 {
			fmt.Fprintf(out, "No stores registered for %s\n", accountOrg)
			return nil
		}
		for _, s := range stores {
			state := "active"
			if !s.IsActive {
				state = "inactive"
			}
			fmt.Fprintf(out, "%-24s %-24s %-10s %s\n", s.ID, s.Name, orDash(s.Platform), state)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(storeAccountCmd, bankAccountCmd, processorAccountCmd, inventoryItemCmd, listStoresCmd)

	accountsCmd.PersistentFlags().StringVar(&accountOrg, "org", "", "organization id (required)")
	accountsCmd.MarkPersistentFlagRequired("org")

	for _, c := range []*cobra.Command{storeAccountCmd, bankAccountCmd, processorAccountCmd, inventoryItemCmd} {
		c.Flags().StringVar(&accountName, "name", "", "display name (default: the id)")
		c.Flags().BoolVar(&accountInactive, "inactive", false, "exclude the record from balance validation")
	}
	for _, c := range []*cobra.Command{bankAccountCmd, processorAccountCmd, inventoryItemCmd} {
		c.Flags().StringVar(&accountCurrency, "currency", "USD", "ISO 4217 currency code")
	}
	for _, c := range []*cobra.Command{bankAccountCmd, processorAccountCmd} {
		c.Flags().StringVar(&accountBalance, "balance", "0", "current balance")
	}

	storeAccountCmd.Flags().StringVar(&accountPlatform, "platform", "", "commerce platform, e.g. shopify")
	processorAccountCmd.Flags().StringVar(&accountProcessor, "processor", "", "processor name, e.g. stripe")
	processorAccountCmd.Flags().StringVar(&accountPending, "pending", "0", "balance not yet paid out")
	inventoryItemCmd.Flags().StringVar(&accountSKU, "sku", "", "stock keeping unit")
	inventoryItemCmd.Flags().StringVar(&accountQuantity, "quantity", "0", "units on hand")
	inventoryItemCmd.Flags().StringVar(&accountUnitCost, "unit-cost", "0", "cost per unit")
}

func saveAccount(cmd *cobra.Command, kind, id string, save func(a *app) error) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := save(a); err != nil {
		return err
	}
	a.reconciler.Invalidate(accountOrg)
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s %s for %s\n", kind, id, accountOrg)
	return nil
}

func nameOr(id string) string {
	if strings.TrimSpace(accountName) != "" {
		return accountName
	}
	return id
}

func currencyFlag() (string, error) {
	code := models.NormalizeCurrency(accountCurrency)
	if len(code) != 3 {
		return "", engerrors.ValidationError(engerrors.CodeMissingField, "currency", accountCurrency,
			fmt.Errorf("currency must be a 3-letter code"))
	}
	return code, nil
}

func decimalFlag(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, engerrors.ValidationError(engerrors.CodeInvalidAmount, name, raw, err)
	}
	return d, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
