package versionhistory

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/stripe/pg-schema-deploy/pkg/model"
	"github.com/stripe/pg-schema-deploy/pkg/sqldb"
	"github.com/stripe/pg-schema-deploy/pkg/txn"
)

const (
	defaultHistorySchema = "public"
	defaultHistoryTable  = "schema_version_history"
)

type (
	sqlOptions struct {
		schema string
		table  string
	}

	SQLOpt func(*sqlOptions)
)

// WithHistoryTable sets where the ledger is stored. Defaults to public.schema_version_history
func WithHistoryTable(schema, table string) SQLOpt {
	return func(opts *sqlOptions) {
		opts.schema = schema
		opts.table = table
	}
}

// SQL is a VersionHistory persisted in a database table. Reads are served from a cache loaded by Init. Writes go
// through the transaction carried by the context, if any, and only reach the cache once that transaction commits
type SQL struct {
	db      sqldb.Queryable
	options sqlOptions
	cache   *versionCache
}

var _ model.VersionHistory = (*SQL)(nil)

func NewSQL(db sqldb.Queryable, opts ...SQLOpt) *SQL {
	options := sqlOptions{schema: defaultHistorySchema, table: defaultHistoryTable}
	for _, opt := range opts {
		opt(&options)
	}
	return &SQL{db: db, options: options, cache: newVersionCache()}
}

func (h *SQL) qualifiedTable() string {
	return pq.QuoteIdentifier(h.options.schema) + "." + pq.QuoteIdentifier(h.options.table)
}

// CreateTableIfNeeded creates the ledger (and its schema) if it does not exist yet
func (h *SQL) CreateTableIfNeeded(ctx context.Context) error {
	q := txn.Queryable(ctx, h.db)
	if _, err := q.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(h.options.schema))); err != nil {
		return fmt.Errorf("creating history schema: %w", err)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			schema_name VARCHAR(64) NOT NULL,
			object_type VARCHAR(16) NOT NULL,
			object_name VARCHAR(128) NOT NULL,
			version INT NOT NULL,
			applied TIMESTAMP NOT NULL DEFAULT now(),
			PRIMARY KEY (schema_name, object_type, object_name, version)
		)`, h.qualifiedTable())); err != nil {
		return fmt.Errorf("creating history table: %w", err)
	}
	return nil
}

// Exists reports whether the ledger table has been created
func (h *SQL) Exists(ctx context.Context) (bool, error) {
	var exists bool
	if err := txn.Queryable(ctx, h.db).QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", h.qualifiedTable()).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking for version history table: %w", err)
	}
	return exists, nil
}

// Init loads the current version of every object recorded for the given schemas into the cache. With no schemas,
// every record is loaded
func (h *SQL) Init(ctx context.Context, schemas ...string) error {
	query := fmt.Sprintf(`
		SELECT schema_name, object_type, object_name, max(version)
		FROM %s
		WHERE cardinality($1::TEXT[]) = 0 OR schema_name = ANY($1::TEXT[])
		GROUP BY schema_name, object_type, object_name`, h.qualifiedTable())
	if schemas == nil {
		// A nil array is sent as NULL, which would match nothing
		schemas = []string{}
	}
	rows, err := txn.Queryable(ctx, h.db).QueryContext(ctx, query, pq.Array(schemas))
	if err != nil {
		return fmt.Errorf("querying version history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r    Record
			kind string
		)
		if err := rows.Scan(&r.Schema, &kind, &r.Name, &r.Version); err != nil {
			return fmt.Errorf("scanning version history: %w", err)
		}
		r.Kind = model.ObjectKind(kind)
		h.cache.bump(r.Schema, r.Kind, r.Name, r.Version)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating over version history: %w", err)
	}
	return nil
}

func (h *SQL) Applies(schema string, kind model.ObjectKind, name string, version int) bool {
	return h.cache.applies(schema, kind, name, version)
}

func (h *SQL) GetVersion(schema string, kind model.ObjectKind, name string) int {
	return h.cache.get(schema, kind, name)
}

// AddVersion records version as applied. Recording the same version twice is a no-op
func (h *SQL) AddVersion(ctx context.Context, schema string, kind model.ObjectKind, name string, version int) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (schema_name, object_type, object_name, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`, h.qualifiedTable())
	if _, err := txn.Queryable(ctx, h.db).ExecContext(ctx, query, schema, string(kind), name, version); err != nil {
		return fmt.Errorf("adding version %d of %s %s.%s: %w", version, kind, schema, name, err)
	}
	txn.AfterCommit(ctx, func() {
		h.cache.bump(schema, kind, name, version)
	})
	return nil
}

// Records reads the whole ledger, ordered by object then version
func (h *SQL) Records(ctx context.Context) ([]Record, error) {
	rows, err := txn.Queryable(ctx, h.db).QueryContext(ctx, fmt.Sprintf(
		"SELECT schema_name, object_type, object_name, version FROM %s", h.qualifiedTable()))
	if err != nil {
		return nil, fmt.Errorf("querying version history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r    Record
			kind string
		)
		if err := rows.Scan(&r.Schema, &kind, &r.Name, &r.Version); err != nil {
			return nil, fmt.Errorf("scanning version history: %w", err)
		}
		r.Kind = model.ObjectKind(kind)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating over version history: %w", err)
	}
	sortRecords(records)
	return records, nil
}
