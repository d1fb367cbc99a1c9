package bunstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xraph/bed"
)

// uniqueViolation is the SQLSTATE of a duplicate (partition, task_id).
const uniqueViolation = "23505"

// isNoRows reports whether a single-row query matched nothing.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// taskError maps driver errors on a single task to the bed sentinels and
// wraps everything else with the operation name.
func taskError(op string, err error) error {
	if isNoRows(err) {
		return bed.ErrTaskNotFound
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == uniqueViolation {
		return bed.ErrTaskAlreadyExists
	}
	return fmt.Errorf("bed/bun: %s: %w", op, err)
}
