package db

import (
	"database/sql"
	"fmt"
)

// ptrWhen maps a nullable scan result onto the models' pointer fields:
// nil when the column was NULL, otherwise a pointer to the value.
func ptrWhen[T any](valid bool, v T) *T {
	if !valid {
		return nil
	}
	return &v
}

// checkRowsAffected translates a zero-row UPDATE or DELETE into ErrNotFound.
func checkRowsAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
