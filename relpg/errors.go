// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relpg

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsRetryable reports whether err is a transaction failure that may succeed when the
// whole synchronize call is run again.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// writeError wraps a failed statement, naming the violated constraint when there is one.
func writeError(op, table string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s %s: %w", op, table, err)
	}
	switch pgErr.SQLState() {
	case "23502": // not_null_violation
		return fmt.Errorf("%s %s: column %s cannot be null: %w", op, table, pgErr.ColumnName, err)
	case "23503", "23505", "23514": // foreign_key, unique, check
		return fmt.Errorf("%s %s: constraint %s violated: %w", op, table, pgErr.ConstraintName, err)
	default:
		return fmt.Errorf("%s %s: %w", op, table, err)
	}
}
