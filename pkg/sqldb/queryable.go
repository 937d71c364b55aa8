package sqldb

import (
	"context"
	"database/sql"
)

// Queryable represents a queryable database. It is satisfied by *sql.DB, *sql.Conn and *sql.Tx, which lets the
// adapter and the version history run the same statements inside or outside a transaction.
type Queryable interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}
