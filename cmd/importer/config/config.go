// Package config loads the importer configuration from defaults, an
// optional config file, a .env file and IMPORTER_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"ledger-import-engine/internal/fx"
	"ledger-import-engine/internal/importer"
	"ledger-import-engine/internal/parsers"
	"ledger-import-engine/internal/reconciler"
	"ledger-import-engine/internal/reporter"
	"ledger-import-engine/internal/storage"
	"ledger-import-engine/internal/store/sqlstore"
	"ledger-import-engine/internal/worker"
	"ledger-import-engine/pkg/logger"
)

// EnvPrefix prefixes every environment override, e.g. IMPORTER_DATABASE_DSN.
const EnvPrefix = "IMPORTER"

// Config is the complete runtime configuration.
type Config struct {
	Log            logger.Config          `mapstructure:"log"`
	Database       sqlstore.Config        `mapstructure:"database"`
	Storage        storage.Config         `mapstructure:"storage"`
	Import         importer.Options       `mapstructure:"import"`
	Limits         LimitsConfig           `mapstructure:"limits"`
	FX             FXConfig               `mapstructure:"fx"`
	Reconciliation reconciler.Config      `mapstructure:"reconciliation"`
	Shopify        importer.ShopifyConfig `mapstructure:"shopify"`
	Server         ServerConfig           `mapstructure:"server"`
	Worker         worker.Config          `mapstructure:"worker"`
	Report         ReportConfig           `mapstructure:"report"`
}

// LimitsConfig bounds parsed amounts and dates. Amounts are decimal strings
// and MinDate is YYYY-MM-DD.
type LimitsConfig struct {
	MinAmount     string `mapstructure:"min_amount"`
	MaxAmount     string `mapstructure:"max_amount"`
	MinDate       string `mapstructure:"min_date"`
	MaxFutureDays int    `mapstructure:"max_future_days"`
}

// FXConfig is the fixed rate table: units of Base per unit of each code.
type FXConfig struct {
	Base  string            `mapstructure:"base"`
	Rates map[string]string `mapstructure:"rates"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// ReportConfig selects the CLI output format.
type ReportConfig struct {
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	limits := parsers.DefaultLimits()
	return &Config{
		Log:      *logger.DefaultConfig(),
		Database: sqlstore.DefaultConfig(),
		Storage:  storage.DefaultConfig(),
		Import:   importer.DefaultOptions(),
		Limits: LimitsConfig{
			MinAmount:     limits.MinAmount.String(),
			MaxAmount:     limits.MaxAmount.String(),
			MinDate:       limits.MinDate.Format("2006-01-02"),
			MaxFutureDays: limits.MaxFutureDays,
		},
		FX:             FXConfig{Base: fx.DefaultBase, Rates: map[string]string{}},
		Reconciliation: reconciler.DefaultConfig(),
		Shopify:        importer.DefaultShopifyConfig(),
		Server: ServerConfig{
			Addr:              ":8080",
			MaxUploadBytes:    32 << 20,
			RequestsPerSecond: 0,
			Burst:             20,
			ShutdownTimeout:   15 * time.Second,
		},
		Worker: worker.DefaultConfig(),
		Report: ReportConfig{Format: string(reporter.FormatConsole)},
	}
}

// Load reads configuration into a fresh Config. A .env file in the working
// directory is loaded first when present; variables already set win.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so environment variables can
// override keys that appear in no config file.
func setDefaults(v *viper.Viper, c *Config) {
	defaults := map[string]any{
		"log.level":                   string(c.Log.Level),
		"log.format":                  string(c.Log.Format),
		"log.output":                  string(c.Log.Output),
		"log.file":                    c.Log.File,
		"database.driver":             c.Database.Driver,
		"database.dsn":                c.Database.DSN,
		"database.max_open_conns":     c.Database.MaxOpenConns,
		"storage.backend":             c.Storage.Backend,
		"storage.local_dir":           c.Storage.LocalDir,
		"storage.gcs_bucket":          c.Storage.GCSBucket,
		"storage.gcs_prefix":          c.Storage.GCSPrefix,
		"storage.credentials_file":    c.Storage.CredentialsFile,
		"import.checkpoint_every":     c.Import.CheckpointEvery,
		"import.max_row_errors":       c.Import.MaxRowErrors,
		"import.min_confidence":       c.Import.MinConfidence,
		"import.max_failure_ratio":    c.Import.MaxFailureRatio,
		"import.stale_after":          c.Import.StaleAfter,
		"limits.min_amount":           c.Limits.MinAmount,
		"limits.max_amount":           c.Limits.MaxAmount,
		"limits.min_date":             c.Limits.MinDate,
		"limits.max_future_days":      c.Limits.MaxFutureDays,
		"fx.base":                     c.FX.Base,
		"reconciliation.tolerance":    c.Reconciliation.Tolerance,
		"reconciliation.cache_ttl":    c.Reconciliation.CacheTTL,
		"reconciliation.currency":     c.Reconciliation.Currency,
		"shopify.base_url":            c.Shopify.BaseURL,
		"shopify.api_version":         c.Shopify.APIVersion,
		"shopify.timeout":             c.Shopify.Timeout,
		"shopify.max_retries":         c.Shopify.MaxRetries,
		"shopify.requests_per_second": c.Shopify.RequestsPerSecond,
		"shopify.burst":               c.Shopify.Burst,
		"shopify.page_size":           c.Shopify.PageSize,
		"server.addr":                 c.Server.Addr,
		"server.max_upload_bytes":     c.Server.MaxUploadBytes,
		"server.requests_per_second":  c.Server.RequestsPerSecond,
		"server.burst":                c.Server.Burst,
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
		"worker.count":                c.Worker.Workers,
		"worker.queue_size":           c.Worker.QueueSize,
		"worker.poll_interval":        c.Worker.PollInterval,
		"report.format":               c.Report.Format,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate checks every section and names the first invalid one.
func (c *Config) Validate() error {
	checks := []struct {
		section string
		check   func() error
	}{
		{"log", c.Log.Validate},
		{"database", c.Database.Validate},
		{"storage", c.Storage.Validate},
		{"import", c.Import.Validate},
		{"limits", func() error { _, err := c.Limits.Build(); return err }},
		{"fx", func() error { _, err := c.FX.Table(); return err }},
		{"reconciliation", c.Reconciliation.Validate},
		{"shopify", c.Shopify.Validate},
		{"server", c.Server.Validate},
		{"worker", c.Worker.Validate},
		{"report", func() error {
			if !reporter.OutputFormat(c.Report.Format).IsValid() {
				return fmt.Errorf("invalid output format: %s (use console, json or csv)", c.Report.Format)
			}
			return nil
		}},
	}

	for _, ch := range checks {
		if err := ch.check(); err != nil {
			return fmt.Errorf("invalid %s configuration: %w", ch.section, err)
		}
	}
	return nil
}

// Build converts the configured strings into parser limits.
func (l LimitsConfig) Build() (parsers.Limits, error) {
	limits := parsers.DefaultLimits()

	var err error
	if limits.MinAmount, err = decimal.NewFromString(strings.TrimSpace(l.MinAmount)); err != nil {
		return limits, fmt.Errorf("min_amount %q is not a decimal", l.MinAmount)
	}
	if limits.MaxAmount, err = decimal.NewFromString(strings.TrimSpace(l.MaxAmount)); err != nil {
		return limits, fmt.Errorf("max_amount %q is not a decimal", l.MaxAmount)
	}
	if limits.MinDate, err = time.Parse("2006-01-02", strings.TrimSpace(l.MinDate)); err != nil {
		return limits, fmt.Errorf("min_date %q must be YYYY-MM-DD", l.MinDate)
	}
	limits.MaxFutureDays = l.MaxFutureDays

	return limits, limits.Validate()
}

// Table builds the rate table.
func (f FXConfig) Table() (*fx.Table, error) {
	return fx.NewTable(f.Base, f.Rates)
}

// Validate checks the server settings.
func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if s.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	if s.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative")
	}
	if s.RequestsPerSecond > 0 && s.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when rate limiting is enabled")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}
