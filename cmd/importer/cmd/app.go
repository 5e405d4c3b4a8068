package cmd

import (
	"context"
	"net/http"

	"ledger-import-engine/cmd/importer/config"
	"ledger-import-engine/internal/fx"
	"ledger-import-engine/internal/importer"
	"ledger-import-engine/internal/reconciler"
	"ledger-import-engine/internal/storage"
	"ledger-import-engine/internal/store/sqlstore"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// app holds the components every command is built from.
type app struct {
	cfg          *config.Config
	log          logger.Logger
	db           *sqlstore.Store
	files        storage.FileStore
	rates        *fx.Table
	orchestrator *importer.Orchestrator
	reconciler   *reconciler.Service
}

// currentConfig returns the configuration loaded by initConfig.
func currentConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "config", cfgFile, configErr).
			WithSuggestion("check the config file and IMPORTER_* environment variables")
	}
	if appConfig == nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeMissingConfig, "config", nil, nil)
	}
	return appConfig, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.NewLogger(&cfg.Log)
	if err != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "log", cfg.Log, err)
	}
	logger.SetGlobalLogger(log)
	return log, nil
}

// openDatabase connects and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log logger.Logger) (*sqlstore.Store, error) {
	db, err := sqlstore.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newApp wires the engine from the loaded configuration.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	limits, err := cfg.Limits.Build()
	if err != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "limits", cfg.Limits, err)
	}
	rates, err := cfg.FX.Table()
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	files, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	shopify := importer.NewShopifyClient(cfg.Shopify, &http.Client{Timeout: cfg.Shopify.Timeout}, log)
	registry := importer.NewRegistry(
		importer.NewCSVStrategy(rates, limits, cfg.Import, log),
		importer.NewShopifyStrategy(shopify, rates, limits, cfg.Import, log),
	)

	recon, err := reconciler.NewService(db, db, rates, cfg.Reconciliation, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	orch, err := importer.NewOrchestrator(importer.Deps{
		Batches:     db,
		Tx:          db,
		Files:       files,
		Registry:    registry,
		Progress:    importer.NewProgressRegistry(),
		Stores:      db,
		Credentials: importer.NewStaticCredentials(cfg.Shopify),
		Invalidator: recon,
	}, cfg.Import, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &app{
		cfg:          cfg,
		log:          log,
		db:           db,
		files:        files,
		rates:        rates,
		orchestrator: orch,
		reconciler:   recon,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.WithError(err).Warn("Closing database failed")
	}
}
