package pgengine

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v4/stdlib"
)

// DB is a database created by an Engine
type DB struct {
	connOpts ConnectionOptions

	dropped bool
}

func (d *DB) GetName() string {
	return d.connOpts[ConnectionOptionDatabase]
}

func (d *DB) GetConnOpts() ConnectionOptions {
	return d.connOpts
}

func (d *DB) GetDSN() string {
	return d.GetConnOpts().ToDSN()
}

// Open opens a connection pool to the database using the pgx driver
func (d *DB) Open() (*sql.DB, error) {
	return sql.Open("pgx", d.GetDSN())
}

// DropDB terminates open connections to the database and drops it
func (d *DB) DropDB() error {
	if d.dropped {
		return nil
	}

	db, err := sql.Open("pgx", d.GetConnOpts().With(ConnectionOptionDatabase, "postgres").ToDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	// Disallow further connections to the test database, except for superusers
	if _, err := db.Exec(fmt.Sprintf("ALTER DATABASE \"%s\" CONNECTION LIMIT 0", d.GetName())); err != nil {
		return err
	}
	if _, err := db.Exec("SELECT PG_TERMINATE_BACKEND(pid) FROM pg_stat_activity WHERE datname = $1", d.GetName()); err != nil {
		return err
	}
	if _, err := db.Exec(fmt.Sprintf("DROP DATABASE \"%s\"", d.GetName())); err != nil {
		return err
	}

	d.dropped = true
	return nil
}
