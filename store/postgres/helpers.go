package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/bed"
)

// uniqueViolation is the SQLSTATE of a duplicate (partition, task_id).
const uniqueViolation = "23505"

// isNoRows reports whether a single-row query matched nothing.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// taskError maps driver errors on a single task to the bed sentinels and
// wraps everything else with the operation name.
func taskError(op string, err error) error {
	if isNoRows(err) {
		return bed.ErrTaskNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return bed.ErrTaskAlreadyExists
	}
	return fmt.Errorf("bed/postgres: %s: %w", op, err)
}
