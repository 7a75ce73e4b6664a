package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Store errors. Reads by key return ErrNotFound instead of sql.ErrNoRows; writes
// surface constraint failures as ErrUniqueViolation / ErrForeignKeyViolation.
var (
	ErrNotFound            = errors.New("repo: not found")
	ErrUniqueViolation     = errors.New("repo: unique violation")
	ErrForeignKeyViolation = errors.New("repo: foreign key violation")
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// classify maps driver errors onto the package sentinels, keeping the original as context.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w (%s)", op, ErrUniqueViolation, pqErr.Constraint)
		case pqForeignKeyViolation:
			return fmt.Errorf("%s: %w (%s)", op, ErrForeignKeyViolation, pqErr.Constraint)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
