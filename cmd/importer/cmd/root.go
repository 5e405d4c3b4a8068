package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-import-engine/cmd/importer/config"
)

var (
	cfgFile  string
	verbose  bool
	logLevel string
	version  = "dev"
	commit   = "unknown"
	date     = "unknown"

	appConfig *config.Config
	configErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "importer",
	Short: "Financial import and balance reconciliation engine",
	Long: `Importer ingests bank, payment-processor and store exports into a
transaction ledger, tracks every import as a batch, and checks that the
ledger agrees with cash and inventory balances.

Examples:
  importer migrate
  importer import mercury.csv --org org-1 --store store-1
  importer sync-store store-1 --org org-1 --since 2024-01-01
  importer validate-balances org-1 --fresh --notify
  importer serve`,
	Version:       getVersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return 0
	}
	return NewCLIErrorHandler(cmd.ErrOrStderr()).HandleError(err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in the config file, .env and IMPORTER_* variables.
// Failures are kept in configErr and reported by the command that needs
// the configuration.
func initConfig() {
	appConfig, configErr = config.Load(viper.GetViper(), cfgFile)
	if configErr != nil {
		return
	}

	if verbose {
		appConfig.Log.Level = "debug"
		if cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
