package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/conduit-lang/apimanager/internal/storage"
)

const (
	notNullViolation = "23502"
	integrityClass   = "23"
)

// ConvertDBError converts driver errors into storage errors.
//
// NOT NULL violations become *storage.FieldError naming the column. Every
// other driver failure, whether integrity, data or statement related,
// becomes a *storage.ConstraintError.
func ConvertDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConstraintViolation) || errors.Is(err, storage.ErrValidation) {
		return err
	}

	// PostgreSQL errors (pgx)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == notNullViolation && pgErr.ColumnName != "" {
			return notNull(pgErr.ColumnName, err)
		}
		return constraint(pgErr.ConstraintName, firstNonEmpty(pgErr.Detail, pgErr.Message), err)
	}

	// PostgreSQL errors (lib/pq)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if string(pqErr.Code) == notNullViolation && pqErr.Column != "" {
			return notNull(pqErr.Column, err)
		}
		if pqErr.Code.Class() == integrityClass {
			return constraint(pqErr.Constraint, firstNonEmpty(pqErr.Detail, pqErr.Message), err)
		}
		return constraint("", pqErr.Message, err)
	}

	// SQLite errors
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.ExtendedCode == sqlite3.ErrConstraintNotNull {
			if column := sqliteColumn(liteErr.Error()); column != "" {
				return notNull(column, err)
			}
		}
		return constraint("", liteErr.Error(), err)
	}

	return constraint("", err.Error(), err)
}

func notNull(column string, err error) error {
	return &storage.FieldError{Fields: map[string]string{column: "cannot be null"}, Err: err}
}

func constraint(name, message string, err error) error {
	return &storage.ConstraintError{Constraint: name, Message: message, Err: err}
}

// sqliteColumn extracts the column from "NOT NULL constraint failed: table.column"
func sqliteColumn(msg string) string {
	_, qualified, found := strings.Cut(msg, "failed: ")
	if !found {
		return ""
	}
	if _, column, ok := strings.Cut(qualified, "."); ok {
		return strings.TrimSpace(column)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
