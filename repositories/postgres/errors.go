package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/consent-ledger/repositories"
)

const (
	uniqueViolation  = "23505"
	lockNotAvailable = "55P03"
	deadlockDetected = "40P01"
)

// mapError translates driver errors into the repository sentinels
func mapError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, repositories.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w (%s)", op, repositories.ErrDuplicate, pqErr.Constraint)
		case lockNotAvailable, deadlockDetected:
			return fmt.Errorf("%s: %w", op, repositories.ErrLockTimeout)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// limitArg turns a non-positive limit into NULL, which postgres reads as LIMIT ALL
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

// expectOneRow reports ErrNotFound when an update touched nothing
func expectOneRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, repositories.ErrNotFound)
	}
	return nil
}
