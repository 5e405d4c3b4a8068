package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ledger-import-engine/internal/store/sqlstore"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate [up | down N | version]",
	Short: "Apply or roll back database migrations",
	Long: `Migrate manages the database schema of database.dsn. Every other
command applies pending migrations on start, so migrate is only needed to
prepare a database ahead of time, roll back, or inspect the version.

Examples:
  importer migrate
  importer migrate down 1
  importer migrate version`,
	Args:      cobra.RangeArgs(0, 2),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	action := "up"
	if len(args) > 0 {
		action = args[0]
	}

	steps := 0
	switch {
	case action == "down" && len(args) == 2:
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return engerrors.ValidationError(engerrors.CodeMissingField, "steps", args[1],
				fmt.Errorf("down needs a positive number of steps"))
		}
		steps = n
	case (action == "up" || action == "version") && len(args) == 1, len(args) == 0:
	default:
		return engerrors.ValidationError(engerrors.CodeMissingField, "action", args,
			fmt.Errorf("use: migrate [up | down N | version]"))
	}

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	db, err := sqlstore.Open(cmd.Context(), cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	op := logger.NewOperationLogger("migrate", log).
		WithField("action", action).
		WithField("driver", cfg.Database.Driver)

	op.Step(action)
	switch action {
	case "up":
		err = db.Migrate()
	case "down":
		err = db.MigrateDown(steps)
	}
	if err != nil {
		op.Error(err, "Migration failed")
		return err
	}

	version, dirty, err := db.MigrationVersion()
	if err != nil {
		op.Error(err, "Reading migration version failed")
		return err
	}
	op.WithField("version", version).Success("Migration finished")

	state := ""
	if dirty {
		state = " (dirty)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d%s\n", version, state)
	return nil
}
