package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"climalog/internal/modules/climate/types"
)

var (
	// ErrStore matches every *StoreError.
	ErrStore = errors.New("store")
	// ErrDuplicate matches a StoreError caused by the unique times index.
	ErrDuplicate     = errors.New("duplicate reading")
	ErrUnknownSource = errors.New("unknown source")
)

const uniqueViolation = "23505"

type StoreError struct {
	Source    types.Source
	Op        string
	Duplicate bool
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func (e *StoreError) Unwrap() []error {
	if e.Duplicate {
		return []error{ErrDuplicate, e.Err}
	}
	return []error{e.Err}
}

func storeError(source types.Source, op string, err error) *StoreError {
	return &StoreError{Source: source, Op: op, Duplicate: isUniqueViolation(err), Err: err}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}
