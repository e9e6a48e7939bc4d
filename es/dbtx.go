package es

import (
	"context"
	"database/sql"
)

// DBTX is a minimal interface for database operations used by the SQL
// adapters and the projection processors. It is implemented by both
// *sql.DB and *sql.Tx, so callers keep full control over transaction
// boundaries where the protocol allows it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)
