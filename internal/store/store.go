// Package store opens database handles for the storage types a process uses.
// It knows which driver backs which dialect and how placeholders are spelled;
// pooling and query execution live in the database and query packages.
package store

import (
	"context"
	"database/sql"
)

// Querier is the statement surface shared by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
