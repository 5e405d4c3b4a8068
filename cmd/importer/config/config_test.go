package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-import-engine/internal/store/sqlstore"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, sqlstore.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "USD", cfg.FX.Base)
	assert.Equal(t, 100, cfg.Import.CheckpointEvery)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "console", cfg.Report.Format)

	limits, err := cfg.Limits.Build()
	require.NoError(t, err)
	assert.True(t, limits.MaxAmount.Equal(decimal.NewFromInt(10000000)))
	assert.Equal(t, 2000, limits.MinDate.Year())
}

func TestLoadFromFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "importer.yaml")
	content := `
database:
  driver: pgx
  dsn: postgres://ledger@localhost/ledger
import:
  checkpoint_every: 50
fx:
  rates:
    EUR: "1.10"
reconciliation:
  tolerance: "0.05"
  cache_ttl: 1m
shopify:
  stores:
    store-1:
      shop_domain: example.myshopify.com
      access_token: shpat_test
worker:
  count: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("IMPORTER_SERVER_ADDR", ":9999")
	t.Setenv("IMPORTER_LIMITS_MAX_FUTURE_DAYS", "30")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, sqlstore.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Import.CheckpointEvery)
	assert.Equal(t, 20, cfg.Import.MaxRowErrors)
	assert.Equal(t, "0.05", cfg.Reconciliation.Tolerance)
	assert.Equal(t, time.Minute, cfg.Reconciliation.CacheTTL)
	assert.Equal(t, 3, cfg.Worker.Workers)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Limits.MaxFutureDays)
	assert.Equal(t, "shpat_test", cfg.Shopify.Stores["store-1"]["access_token"])

	table, err := cfg.FX.Table()
	require.NoError(t, err)
	converted, err := table.ToUSD(decimal.NewFromInt(10), "EUR")
	require.NoError(t, err)
	assert.True(t, converted.Equal(decimal.NewFromInt(11)), converted.String())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateNamesSection(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		section string
	}{
		{"database driver", func(c *Config) { c.Database.Driver = "oracle" }, "database"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "ftp" }, "storage"},
		{"checkpoint", func(c *Config) { c.Import.CheckpointEvery = 0 }, "import"},
		{"min amount", func(c *Config) { c.Limits.MinAmount = "tiny" }, "limits"},
		{"min date", func(c *Config) { c.Limits.MinDate = "01/01/2000" }, "limits"},
		{"rate", func(c *Config) { c.FX.Rates = map[string]string{"EUR": "-1"} }, "fx"},
		{"tolerance", func(c *Config) { c.Reconciliation.Tolerance = "-0.01" }, "reconciliation"},
		{"shopify retries", func(c *Config) { c.Shopify.MaxRetries = -1 }, "shopify"},
		{"server addr", func(c *Config) { c.Server.Addr = " " }, "server"},
		{"server burst", func(c *Config) { c.Server.RequestsPerSecond = 5; c.Server.Burst = 0 }, "server"},
		{"workers", func(c *Config) { c.Worker.Workers = 0 }, "worker"},
		{"report", func(c *Config) { c.Report.Format = "xml" }, "report"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid "+tt.section+" configuration")
		})
	}
}
