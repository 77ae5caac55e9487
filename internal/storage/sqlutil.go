package storage

import (
	"database/sql"
	"fmt"
)

// dbtx abstracts sql.DB and sql.Tx so the same read/write helpers serve both
// single-call operations and transaction-scoped batch mutations.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// checkRowsErr checks for errors that may have occurred during row iteration.
// Call after a for rows.Next() loop to catch iteration errors that
// rows.Next() doesn't report directly.
func checkRowsErr(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration error: %w", err)
	}
	return nil
}
