// Package pgadapter renders schema-object operations as PostgreSQL DDL and executes them. Statements run in the
// transaction carried by the context when there is one (see package txn), otherwise directly against the database.
package pgadapter

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/stripe/pg-schema-deploy/internal/pgidentifier"
	"github.com/stripe/pg-schema-deploy/pkg/log"
	"github.com/stripe/pg-schema-deploy/pkg/model"
	"github.com/stripe/pg-schema-deploy/pkg/sqldb"
	"github.com/stripe/pg-schema-deploy/pkg/txn"
)

type (
	adapterOptions struct {
		logger             log.Logger
		citus              bool
		dryRun             bool
		tablespaceLocation string
	}

	Opt func(*adapterOptions)
)

func WithLogger(logger log.Logger) Opt {
	return func(opts *adapterOptions) {
		opts.logger = logger
	}
}

// WithCitus enables distribution rules. Without it, distribution operations are no-ops
func WithCitus() Opt {
	return func(opts *adapterOptions) {
		opts.citus = true
	}
}

// WithDryRun records statements instead of executing them. See Statements
func WithDryRun() Opt {
	return func(opts *adapterOptions) {
		opts.dryRun = true
	}
}

// WithTablespaceLocation sets the directory under which tablespaces are created, one sub-directory per tablespace.
// The directory must exist on the database server and be owned by the postgres user
func WithTablespaceLocation(dir string) Opt {
	return func(opts *adapterOptions) {
		opts.tablespaceLocation = dir
	}
}

// Adapter is a model.SchemaAdapter for PostgreSQL
type Adapter struct {
	db      sqldb.Queryable
	options adapterOptions

	mu         sync.Mutex
	statements []string
}

var _ model.SchemaAdapter = (*Adapter)(nil)

func New(db sqldb.Queryable, opts ...Opt) *Adapter {
	options := adapterOptions{
		logger:             log.SimpleLogger(),
		tablespaceLocation: "/var/lib/postgresql/tablespaces",
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Adapter{db: db, options: options}
}

// Statements returns the statements issued so far, in order. In dry-run mode, none of them were executed
func (a *Adapter) Statements() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.statements...)
}

// exec runs stmt, translating driver errors. target names the object for UndefinedNameError
func (a *Adapter) exec(ctx context.Context, target, stmt string, args ...any) error {
	return a.execOn(ctx, txn.Queryable(ctx, a.db), target, stmt, args...)
}

// execOn runs stmt on q, which is either the adapter's database or the transaction carried by the context
func (a *Adapter) execOn(ctx context.Context, q sqldb.Queryable, target, stmt string, args ...any) error {
	a.mu.Lock()
	a.statements = append(a.statements, stmt)
	a.mu.Unlock()
	if a.options.dryRun {
		return nil
	}
	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return translateError(fmt.Errorf("executing %q: %w", stmt, err), target)
	}
	return nil
}

// EnsureSchema creates the schema if it does not exist
func (a *Adapter) EnsureSchema(ctx context.Context, schema string) error {
	return a.exec(ctx, schema, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgidentifier.Quote(schema)))
}

func columnDef(c model.Column) string {
	var sb strings.Builder
	sb.WriteString(pgidentifier.Quote(c.Name))
	sb.WriteString(" ")
	sb.WriteString(c.Type)
	if !c.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(c.Default)
	}
	return sb.String()
}

func (a *Adapter) CreateTable(ctx context.Context, schema, name string, columns []model.Column, primaryKey *model.PrimaryKey, tablespace string) error {
	var defs []string
	for _, c := range columns {
		defs = append(defs, columnDef(c))
	}
	if primaryKey != nil {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)",
			pgidentifier.Quote(primaryKey.Name), pgidentifier.QuoteList(primaryKey.Columns)))
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", pgidentifier.QuoteQualified(schema, name), strings.Join(defs, ",\n\t"))
	if tablespace != "" {
		stmt += " TABLESPACE " + pgidentifier.Quote(tablespace)
	}
	return a.exec(ctx, schema+"."+name, stmt)
}

// DropTable and the other drops of relations use IF EXISTS. A failed statement aborts the surrounding transaction,
// which would fail every later drop of a teardown running in a single transaction
func (a *Adapter) DropTable(ctx context.Context, schema, name string) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("DROP TABLE IF EXISTS %s", pgidentifier.QuoteQualified(schema, name)))
}

func (a *Adapter) AddColumn(ctx context.Context, schema, table string, column model.Column) error {
	return a.exec(ctx, schema+"."+table, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
		pgidentifier.QuoteQualified(schema, table), columnDef(column)))
}

func (a *Adapter) CreateUniqueConstraint(ctx context.Context, schema, table string, constraint model.UniqueConstraint) error {
	return a.exec(ctx, schema+"."+table, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
		pgidentifier.QuoteQualified(schema, table), pgidentifier.Quote(constraint.Name), pgidentifier.QuoteList(constraint.Columns)))
}

func (a *Adapter) CreateForeignKeyConstraint(ctx context.Context, schema, table string, fk model.ForeignKeyConstraint) error {
	targetSchema := fk.TargetSchema
	if targetSchema == "" {
		targetSchema = schema
	}
	targetColumns := fk.TargetColumns
	if len(targetColumns) == 0 {
		targetColumns = fk.Columns
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		pgidentifier.QuoteQualified(schema, table),
		pgidentifier.Quote(fk.Name),
		pgidentifier.QuoteList(fk.Columns),
		pgidentifier.QuoteQualified(targetSchema, fk.TargetTable),
		pgidentifier.QuoteList(targetColumns))
	if fk.OnDeleteCascade {
		stmt += " ON DELETE CASCADE"
	}
	return a.exec(ctx, targetSchema+"."+fk.TargetTable, stmt)
}

func (a *Adapter) DropForeignKey(ctx context.Context, schema, table, constraintName string) error {
	return a.exec(ctx, constraintName, fmt.Sprintf("ALTER TABLE IF EXISTS %s DROP CONSTRAINT IF EXISTS %s",
		pgidentifier.QuoteQualified(schema, table), pgidentifier.Quote(constraintName)))
}

func (a *Adapter) CreateIndex(ctx context.Context, schema, table, name string, columns []string) error {
	return a.exec(ctx, schema+"."+table, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		pgidentifier.Quote(name), pgidentifier.QuoteQualified(schema, table), pgidentifier.QuoteList(columns)))
}

func (a *Adapter) CreateUniqueIndex(ctx context.Context, schema, table, name string, columns []string) error {
	return a.exec(ctx, schema+"."+table, fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
		pgidentifier.Quote(name), pgidentifier.QuoteQualified(schema, table), pgidentifier.QuoteList(columns)))
}

func (a *Adapter) DropIndex(ctx context.Context, schema, name string) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("DROP INDEX IF EXISTS %s", pgidentifier.QuoteQualified(schema, name)))
}

func (a *Adapter) CreateOrReplaceView(ctx context.Context, schema, name, definition string) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s",
		pgidentifier.QuoteQualified(schema, name), definition))
}

func (a *Adapter) DropView(ctx context.Context, schema, name string) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("DROP VIEW IF EXISTS %s", pgidentifier.QuoteQualified(schema, name)))
}

func sequenceOptions(options model.SequenceOptions) string {
	s := fmt.Sprintf("INCREMENT BY %d", options.IncrementBy)
	if options.Cache > 0 {
		s += fmt.Sprintf(" CACHE %d", options.Cache)
	}
	return s
}

func (a *Adapter) CreateSequence(ctx context.Context, schema, name string, options model.SequenceOptions) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("CREATE SEQUENCE %s START WITH %d %s",
		pgidentifier.QuoteQualified(schema, name), options.StartWith, sequenceOptions(options)))
}

func (a *Adapter) DropSequence(ctx context.Context, schema, name string) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("DROP SEQUENCE IF EXISTS %s", pgidentifier.QuoteQualified(schema, name)))
}

func (a *Adapter) AlterSequenceRestartWith(ctx context.Context, schema, name string, restartWith int64, options model.SequenceOptions) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("ALTER SEQUENCE %s RESTART WITH %d %s",
		pgidentifier.QuoteQualified(schema, name), restartWith, sequenceOptions(options)))
}

// CreateOrReplaceProcedure executes the full create-or-replace statement of the procedure
func (a *Adapter) CreateOrReplaceProcedure(ctx context.Context, schema, name, definition string) error {
	return a.exec(ctx, schema+"."+name, definition)
}

// DropProcedure tolerates a missing procedure. A failed statement would abort the surrounding transaction, and
// procedures are dropped right before being recreated in the same transaction
func (a *Adapter) DropProcedure(ctx context.Context, schema, name string) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("DROP PROCEDURE IF EXISTS %s", pgidentifier.QuoteQualified(schema, name)))
}

// CreateOrReplaceFunction executes the full create-or-replace statement of the function
func (a *Adapter) CreateOrReplaceFunction(ctx context.Context, schema, name, definition string) error {
	return a.exec(ctx, schema+"."+name, definition)
}

func (a *Adapter) DropFunction(ctx context.Context, schema, name string) error {
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("DROP FUNCTION IF EXISTS %s", pgidentifier.QuoteQualified(schema, name)))
}

// CreateTablespace creates the tablespace in its own directory under the configured location. Postgres has no
// extent size, so extentSizeKB is ignored.
//
// Tablespaces cannot be created inside a transaction block, so the statement always runs on the database directly,
// even if ctx carries a transaction
func (a *Adapter) CreateTablespace(ctx context.Context, name string, extentSizeKB int) error {
	location := path.Join(a.options.tablespaceLocation, name)
	return a.execOn(ctx, a.db, name, fmt.Sprintf("CREATE TABLESPACE %s LOCATION %s", pgidentifier.Quote(name), pq.QuoteLiteral(location)))
}

// DropTablespace runs outside of any transaction, like CreateTablespace. When ctx carries a transaction, the drop
// is deferred until it commits, since the tables being dropped in it still occupy the tablespace until then
func (a *Adapter) DropTablespace(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP TABLESPACE IF EXISTS %s", pgidentifier.Quote(name))
	return txn.OnCommit(ctx, func() error {
		return a.execOn(ctx, a.db, name, stmt)
	})
}

// sessionVariableName is the custom configuration parameter backing a session variable. Custom parameters need a
// two-part name made of simple identifiers
func sessionVariableName(schema, name string) (string, error) {
	if !pgidentifier.IsSimpleIdentifier(schema) || !pgidentifier.IsSimpleIdentifier(name) {
		return "", fmt.Errorf("session variable %s.%s: both parts must be simple identifiers", schema, name)
	}
	return schema + "." + name, nil
}

// CreateSessionVariable sets the database-level default of a custom configuration parameter
func (a *Adapter) CreateSessionVariable(ctx context.Context, schema, name, defaultValue string) error {
	param, err := sessionVariableName(schema, name)
	if err != nil {
		return err
	}
	return a.exec(ctx, param, fmt.Sprintf(
		"DO $$ BEGIN EXECUTE format('ALTER DATABASE %%I SET %s = %%L', current_database(), %s); END $$",
		param, pq.QuoteLiteral(defaultValue)))
}

func (a *Adapter) DropSessionVariable(ctx context.Context, schema, name string) error {
	param, err := sessionVariableName(schema, name)
	if err != nil {
		return err
	}
	return a.exec(ctx, param, fmt.Sprintf(
		"DO $$ BEGIN EXECUTE format('ALTER DATABASE %%I RESET %s', current_database()); END $$", param))
}

func privilegeList(privileges []model.Privilege) string {
	names := make([]string, len(privileges))
	for i, p := range privileges {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

var grantablePrivileges = map[string]map[model.Privilege]bool{
	"TABLE": {
		model.PrivilegeSelect: true, model.PrivilegeInsert: true, model.PrivilegeUpdate: true,
		model.PrivilegeDelete: true, model.PrivilegeReferences: true, model.PrivilegeTrigger: true,
	},
	"SEQUENCE":  {model.PrivilegeSelect: true, model.PrivilegeUpdate: true, model.PrivilegeUsage: true},
	"PROCEDURE": {model.PrivilegeExecute: true},
	"FUNCTION":  {model.PrivilegeExecute: true},
}

// grant renders a GRANT for the privileges Postgres supports on the object type. Others are logged and skipped
func (a *Adapter) grant(ctx context.Context, objectType, schema, name string, privileges []model.Privilege, toUser string) error {
	var supported []model.Privilege
	for _, p := range privileges {
		if !grantablePrivileges[objectType][p] {
			a.options.logger.Warnf("skipping %s on %s %s.%s: not a %s privilege in postgres", p, objectType, schema, name, objectType)
			continue
		}
		supported = append(supported, p)
	}
	if len(supported) == 0 {
		return nil
	}
	return a.exec(ctx, toUser, fmt.Sprintf("GRANT %s ON %s %s TO %s",
		privilegeList(supported), objectType, pgidentifier.QuoteQualified(schema, name), pgidentifier.Quote(toUser)))
}

func (a *Adapter) GrantTablePrivileges(ctx context.Context, schema, table string, privileges []model.Privilege, toUser string) error {
	return a.grant(ctx, "TABLE", schema, table, privileges, toUser)
}

func (a *Adapter) GrantSequencePrivileges(ctx context.Context, schema, sequence string, privileges []model.Privilege, toUser string) error {
	return a.grant(ctx, "SEQUENCE", schema, sequence, privileges, toUser)
}

func (a *Adapter) GrantProcedurePrivileges(ctx context.Context, schema, procedure string, privileges []model.Privilege, toUser string) error {
	return a.grant(ctx, "PROCEDURE", schema, procedure, privileges, toUser)
}

func (a *Adapter) GrantFunctionPrivileges(ctx context.Context, schema, function string, privileges []model.Privilege, toUser string) error {
	return a.grant(ctx, "FUNCTION", schema, function, privileges, toUser)
}

// GrantVariablePrivileges grants on the parameter backing a session variable. ALTER maps to ALTER SYSTEM; every
// other privilege maps to SET
func (a *Adapter) GrantVariablePrivileges(ctx context.Context, schema, variable string, privileges []model.Privilege, toUser string) error {
	param, err := sessionVariableName(schema, variable)
	if err != nil {
		return err
	}
	var pgPrivileges []string
	hasSet := false
	for _, p := range privileges {
		switch {
		case p == model.PrivilegeAlter:
			pgPrivileges = append(pgPrivileges, "ALTER SYSTEM")
		case !hasSet:
			hasSet = true
			pgPrivileges = append(pgPrivileges, "SET")
		}
	}
	if len(pgPrivileges) == 0 {
		return nil
	}
	return a.exec(ctx, toUser, fmt.Sprintf("GRANT %s ON PARAMETER %s TO %s",
		strings.Join(pgPrivileges, ", "), param, pgidentifier.Quote(toUser)))
}
