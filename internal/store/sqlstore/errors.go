package sqlstore

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	engerrors "ledger-import-engine/pkg/errors"
)

const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint violation on
// either backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// mapWriteError classifies a failed write. Unique violations are integrity
// errors that fail the whole batch; everything else is a storage error.
func mapWriteError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return engerrors.IntegrityError(engerrors.CodeDuplicateKey, operation, err)
	}
	return engerrors.StorageError(engerrors.CodeWriteFailed, operation, err)
}

func readError(err error, resource string) error {
	return engerrors.StorageError(engerrors.CodeReadFailed, resource, err)
}

func notFound(resource, id string) error {
	return engerrors.StorageError(engerrors.CodeNotFound, resource, sql.ErrNoRows).
		WithContext("id", id)
}
