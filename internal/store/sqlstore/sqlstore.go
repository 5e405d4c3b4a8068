// Package sqlstore implements the store interfaces over database/sql.
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, the embedded
// default) and "pgx" (jackc/pgx stdlib, for PostgreSQL). Queries are written
// with ? placeholders and rebound for PostgreSQL. Decimals are stored as text
// and timestamps as fixed-width UTC text so both backends compare them the
// same way.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config holds database connection settings.
type Config struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// DefaultConfig returns an on-disk SQLite database in the working directory.
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		DSN:    "importer.db",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver: %s (use %s or %s)", c.Driver, DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("max open connections cannot be negative")
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries the query methods shared by Store and its transactions.
type conn struct {
	q      querier
	driver string
	now    func() time.Time
}

// Store is the database-backed implementation of every store interface.
type Store struct {
	*conn
	db     *sql.DB
	logger logger.Logger
}

var (
	_ store.BatchStore        = (*Store)(nil)
	_ store.TransactionStore  = (*Store)(nil)
	_ store.TransactionReader = (*Store)(nil)
	_ store.TxRunner          = (*Store)(nil)
	_ store.BalanceSource     = (*Store)(nil)
	_ store.StoreDirectory    = (*Store)(nil)
	_ store.AccountWriter     = (*Store)(nil)
	_ store.Tx                = (*conn)(nil)
)

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "database", cfg.Driver, err)
	}

	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite && !strings.Contains(dsn, "_pragma") && dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, engerrors.StorageError(engerrors.CodeConnectionFailed, "database", err)
	}

	switch {
	case cfg.Driver == DriverSQLite:
		// One writer; also keeps a :memory: database alive on a single connection.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, engerrors.StorageError(engerrors.CodeConnectionFailed, "database", err).
			WithSuggestion("check database.dsn and that the database server is reachable")
	}

	s := New(db, cfg.Driver, log)
	s.logger.WithField("driver", cfg.Driver).Info("Database connection established")
	return s, nil
}

// New wraps an open database handle.
func New(db *sql.DB, driver string, log logger.Logger) *Store {
	return &Store{
		conn:   &conn{q: db, driver: driver, now: time.Now},
		db:     db,
		logger: logger.OrDefault(log).WithComponent("sqlstore"),
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// SetClock replaces the timestamp source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn in a database transaction. A panic inside fn rolls back
// and is re-raised.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engerrors.StorageError(engerrors.CodeWriteFailed, "transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.WithError(rbErr).Warn("Rollback failed")
			}
		}
	}()

	if err := fn(&conn{q: sqlTx, driver: s.driver, now: s.now}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapWriteError(err, "commit")
	}
	committed = true
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c *conn) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
