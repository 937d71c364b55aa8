package pgengine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// OpenPostgresDatabase opens a connection pool to the engine's maintenance database
func OpenPostgresDatabase(e *Engine) (*sql.DB, error) {
	return sql.Open("pgx", e.GetPostgresDatabaseDSN())
}

// ResetInstance resets cluster-level state that dropping a database leaves behind, so one engine can serve many
// tests. Grant tests create roles, so those are dropped
func ResetInstance(ctx context.Context, db *sql.DB) error {
	if err := dropRoles(ctx, db); err != nil {
		return fmt.Errorf("dropping roles: %w", err)
	}
	return nil
}

// dropRoles drops all roles except the current user and postgres internal roles. Privileges the roles hold in the
// current database are dropped with them
func dropRoles(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT rolname
		FROM pg_catalog.pg_roles
		WHERE rolname NOT LIKE 'pg_%'
			AND rolname != current_user;
	`)
	if err != nil {
		return fmt.Errorf("querying roles: %w", err)
	}
	var roleNames []string
	for rows.Next() {
		var roleName string
		if err := rows.Scan(&roleName); err != nil {
			rows.Close()
			return fmt.Errorf("scanning role: %w", err)
		}
		roleNames = append(roleNames, roleName)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating over rows: %w", err)
	}
	rows.Close()

	for _, roleName := range roleNames {
		quoted := pq.QuoteIdentifier(roleName)
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP OWNED BY %s", quoted)); err != nil {
			return fmt.Errorf("dropping objects owned by %q: %w", roleName, err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP ROLE %s", quoted)); err != nil {
			return fmt.Errorf("dropping role %q: %w", roleName, err)
		}
	}
	return nil
}
