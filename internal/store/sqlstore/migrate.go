package sqlstore

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies all pending migrations. It is a no-op when the schema is
// current.
func (s *Store) Migrate() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return engerrors.StorageError(engerrors.CodeWriteFailed, "migrations", err)
	}

	version, dirty, _ := m.Version()
	s.logger.WithFields(logger.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Database migrations applied")
	return nil
}

// MigrateDown rolls back steps migrations.
func (s *Store) MigrateDown(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive")
	}

	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return engerrors.StorageError(engerrors.CodeWriteFailed, "migrations", err)
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func (s *Store) MigrationVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// migrator builds a migrate instance over the existing connection. It is
// never closed: closing it would close the shared *sql.DB.
func (s *Store) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, engerrors.InternalError(engerrors.CodeUnexpectedError, "load migrations", err)
	}

	var driver database.Driver
	switch s.driver {
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	case DriverPostgres:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	default:
		err = fmt.Errorf("unsupported driver %s", s.driver)
	}
	if err != nil {
		return nil, engerrors.StorageError(engerrors.CodeConnectionFailed, "migrations", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, driver)
	if err != nil {
		return nil, engerrors.StorageError(engerrors.CodeConnectionFailed, "migrations", err)
	}
	return m, nil
}
