package main

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
)

// openDbWithPgxConfig opens a database connection using the provided pgx.ConnConfig and pings it
func openDbWithPgxConfig(config *pgx.ConnConfig) (*sql.DB, error) {
	connPool := stdlib.OpenDB(*config)
	if err := connPool.Ping(); err != nil {
		connPool.Close()
		return nil, err
	}
	return connPool, nil
}

func openDb(flags *connectionFlags) (*sql.DB, error) {
	connConfig, err := parseConnectionFlags(flags)
	if err != nil {
		return nil, err
	}
	db, err := openDbWithPgxConfig(connConfig)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s/%s: %w", connConfig.Host, connConfig.Database, err)
	}
	return db, nil
}
