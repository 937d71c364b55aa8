package model

import (
	"context"
	"fmt"
	"strings"
)

type (
	Column struct {
		Name     string
		Type     string
		Nullable bool
		Default  string
	}

	PrimaryKey struct {
		Name    string
		Columns []string
	}

	UniqueConstraint struct {
		Name    string
		Columns []string
	}

	ForeignKeyConstraint struct {
		Name    string
		Columns []string
		// TargetSchema defaults to the schema of the table
		TargetSchema string
		TargetTable  string
		// TargetColumns defaults to Columns when empty
		TargetColumns   []string
		OnDeleteCascade bool
	}

	TableIndex struct {
		Name    string
		Columns []string
		Unique  bool
	}
)

type DistributionType string

const (
	DistributionNone        DistributionType = "NONE"
	DistributionReference   DistributionType = "REFERENCE"
	DistributionDistributed DistributionType = "DISTRIBUTED"
)

// ParseDistributionType accepts the distribution type names in any case. An empty name is DistributionNone.
func ParseDistributionType(s string) (DistributionType, error) {
	if s == "" {
		return DistributionNone, nil
	}
	t := DistributionType(strings.ToUpper(s))
	switch t {
	case DistributionNone, DistributionReference, DistributionDistributed:
		return t, nil
	default:
		return "", fmt.Errorf("unknown distribution type %q", s)
	}
}

// Distribution describes how a table is spread over the nodes of a sharded backend
type Distribution struct {
	Type DistributionType
	// Column is the sharding column of DISTRIBUTED tables
	Column string
}

// pass is the distribution-rule pass this distribution belongs to, or -1 if there is nothing to apply
func (d Distribution) pass() int {
	switch d.Type {
	case DistributionReference:
		return DistributionPassReference
	case DistributionDistributed:
		return DistributionPassSharding
	default:
		return -1
	}
}

type Table struct {
	baseObject
	columns           []Column
	primaryKey        *PrimaryKey
	uniqueConstraints []UniqueConstraint
	indexes           []TableIndex
	foreignKeys       []ForeignKeyConstraint
	tablespace        string
	distribution      Distribution
}

func (t *Table) Columns() []Column {
	return append([]Column(nil), t.columns...)
}

func (t *Table) PrimaryKey() *PrimaryKey {
	return t.primaryKey
}

func (t *Table) ForeignKeys() []ForeignKeyConstraint {
	return append([]ForeignKeyConstraint(nil), t.foreignKeys...)
}

func (t *Table) Tablespace() string {
	return t.tablespace
}

func (t *Table) Distribution() Distribution {
	return t.distribution
}

func (t *Table) Apply(ctx context.Context, adapter SchemaAdapter) error {
	schema, name := t.def.Schema, t.def.Name
	if err := adapter.CreateTable(ctx, schema, name, t.columns, t.primaryKey, t.tablespace); err != nil {
		return fmt.Errorf("creating table: %w", err)
	}
	for _, uc := range t.uniqueConstraints {
		if err := adapter.CreateUniqueConstraint(ctx, schema, name, uc); err != nil {
			return fmt.Errorf("creating unique constraint %s: %w", uc.Name, err)
		}
	}
	for _, idx := range t.indexes {
		var err error
		if idx.Unique {
			err = adapter.CreateUniqueIndex(ctx, schema, name, idx.Name, idx.Columns)
		} else {
			err = adapter.CreateIndex(ctx, schema, name, idx.Name, idx.Columns)
		}
		if err != nil {
			return fmt.Errorf("creating index %s: %w", idx.Name, err)
		}
	}
	for _, fk := range t.foreignKeys {
		if err := adapter.CreateForeignKeyConstraint(ctx, schema, name, fk); err != nil {
			return fmt.Errorf("creating foreign key %s: %w", fk.Name, err)
		}
	}
	return nil
}

// ApplyVersioned runs the table's migration steps when upgrading from an older version, otherwise creates it
func (t *Table) ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error {
	if migrated, err := t.runMigrations(ctx, priorVersion, adapter); migrated || err != nil {
		return err
	}
	return t.Apply(ctx, adapter)
}

func (t *Table) Drop(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.DropTable(ctx, t.def.Schema, t.def.Name)
}

func (t *Table) Grant(ctx context.Context, adapter SchemaAdapter, group, toUser string) error {
	return t.grantWith(group, func(privs []Privilege) error {
		return adapter.GrantTablePrivileges(ctx, t.def.Schema, t.def.Name, privs, toUser)
	})
}

func (t *Table) ApplyDistributionRules(ctx context.Context, adapter SchemaAdapter, pass int) error {
	if t.distribution.pass() != pass {
		return nil
	}
	return adapter.ApplyDistributionRules(ctx, t.def.Schema, t.def.Name, t.distribution)
}

// TableBuilder builds a Table. Foreign keys add a dependency on their target table
type TableBuilder struct {
	table *Table
	err   error
}

func NewTableBuilder(schema, name string, version int) *TableBuilder {
	b := &TableBuilder{table: &Table{
		baseObject:   newBaseObject(KindTable, schema, name, version),
		distribution: Distribution{Type: DistributionNone},
	}}
	if version < 1 {
		b.err = fmt.Errorf("table %s.%s: %w", schema, name, ErrInvalidVersion)
	}
	return b
}

func (b *TableBuilder) AddColumn(column Column) *TableBuilder {
	for _, c := range b.table.columns {
		if c.Name == column.Name {
			b.setErr(fmt.Errorf("duplicate column %q", column.Name))
			return b
		}
	}
	b.table.columns = append(b.table.columns, column)
	return b
}

func (b *TableBuilder) AddIntColumn(name string, nullable bool) *TableBuilder {
	return b.AddColumn(Column{Name: name, Type: "INT", Nullable: nullable})
}

func (b *TableBuilder) AddBigIntColumn(name string, nullable bool) *TableBuilder {
	return b.AddColumn(Column{Name: name, Type: "BIGINT", Nullable: nullable})
}

func (b *TableBuilder) AddVarcharColumn(name string, size int, nullable bool) *TableBuilder {
	return b.AddColumn(Column{Name: name, Type: fmt.Sprintf("VARCHAR(%d)", size), Nullable: nullable})
}

func (b *TableBuilder) AddTimestampColumn(name string, nullable bool) *TableBuilder {
	return b.AddColumn(Column{Name: name, Type: "TIMESTAMP", Nullable: nullable})
}

func (b *TableBuilder) SetPrimaryKey(name string, columns ...string) *TableBuilder {
	if err := b.requireColumns(columns); err != nil {
		b.setErr(fmt.Errorf("primary key %s: %w", name, err))
		return b
	}
	b.table.primaryKey = &PrimaryKey{Name: name, Columns: columns}
	return b
}

func (b *TableBuilder) AddUniqueConstraint(name string, columns ...string) *TableBuilder {
	if err := b.requireColumns(columns); err != nil {
		b.setErr(fmt.Errorf("unique constraint %s: %w", name, err))
		return b
	}
	b.table.uniqueConstraints = append(b.table.uniqueConstraints, UniqueConstraint{Name: name, Columns: columns})
	return b
}

func (b *TableBuilder) AddIndex(name string, columns ...string) *TableBuilder {
	return b.addIndex(TableIndex{Name: name, Columns: columns})
}

func (b *TableBuilder) AddUniqueIndex(name string, columns ...string) *TableBuilder {
	return b.addIndex(TableIndex{Name: name, Columns: columns, Unique: true})
}

func (b *TableBuilder) addIndex(idx TableIndex) *TableBuilder {
	if err := b.requireColumns(idx.Columns); err != nil {
		b.setErr(fmt.Errorf("index %s: %w", idx.Name, err))
		return b
	}
	b.table.indexes = append(b.table.indexes, idx)
	return b
}

func (b *TableBuilder) AddForeignKeyConstraint(fk ForeignKeyConstraint) *TableBuilder {
	if err := b.requireColumns(fk.Columns); err != nil {
		b.setErr(fmt.Errorf("foreign key %s: %w", fk.Name, err))
		return b
	}
	if fk.TargetSchema == "" {
		fk.TargetSchema = b.table.def.Schema
	}
	if len(fk.TargetColumns) == 0 {
		fk.TargetColumns = fk.Columns
	}
	b.table.foreignKeys = append(b.table.foreignKeys, fk)
	// A self-reference is created together with the table
	if fk.TargetSchema != b.table.def.Schema || fk.TargetTable != b.table.def.Name {
		b.table.AddDependencyIdentities(NewIdentity(KindTable, fk.TargetSchema, fk.TargetTable))
	}
	return b
}

func (b *TableBuilder) SetTablespace(ts *Tablespace) *TableBuilder {
	return b.SetTablespaceName(ts.Identity().Name)
}

// SetTablespaceName is SetTablespace for a tablespace known only by name, e.g. one declared in a federated model
func (b *TableBuilder) SetTablespaceName(name string) *TableBuilder {
	b.table.tablespace = name
	b.table.AddDependencyIdentities(NewIdentity(KindTablespace, "", name))
	return b
}

func (b *TableBuilder) SetDistribution(distribution Distribution) *TableBuilder {
	switch distribution.Type {
	case "":
		distribution.Type = DistributionNone
	case DistributionNone, DistributionReference, DistributionDistributed:
	default:
		b.setErr(fmt.Errorf("unknown distribution type %q", distribution.Type))
		return b
	}
	if distribution.Type == DistributionDistributed && distribution.Column == "" {
		b.setErr(fmt.Errorf("distributed table requires a distribution column"))
		return b
	}
	if distribution.Type == DistributionDistributed {
		if err := b.requireColumns([]string{distribution.Column}); err != nil {
			b.setErr(fmt.Errorf("distribution column: %w", err))
			return b
		}
	}
	b.table.distribution = distribution
	return b
}

// AddMigration adds a step upgrading the table from a prior version in [fromMin, fromMax]
func (b *TableBuilder) AddMigration(fromMin, fromMax int, description string, apply func(ctx context.Context, adapter SchemaAdapter) error) *TableBuilder {
	if fromMin > fromMax || fromMax >= b.table.def.Version {
		b.setErr(fmt.Errorf("migration %q: invalid prior version range [%d, %d]", description, fromMin, fromMax))
		return b
	}
	b.table.addMigration(Migration{FromVersionMin: fromMin, FromVersionMax: fromMax, Description: description, Apply: apply})
	return b
}

// AddColumnMigration declares a column added in the table's current version. Tables at a version in
// [fromMin, fromMax] get the column through ALTER TABLE; new tables get it through CREATE TABLE
func (b *TableBuilder) AddColumnMigration(fromMin, fromMax int, column Column) *TableBuilder {
	b.AddColumn(column)
	schema, name := b.table.def.Schema, b.table.def.Name
	return b.AddMigration(fromMin, fromMax, "add column "+column.Name, func(ctx context.Context, adapter SchemaAdapter) error {
		return adapter.AddColumn(ctx, schema, name, column)
	})
}

func (b *TableBuilder) AddPrivileges(group string, privileges ...Privilege) *TableBuilder {
	b.table.AddPrivileges(group, privileges...)
	return b
}

func (b *TableBuilder) AddTag(group, value string) *TableBuilder {
	b.table.AddTag(group, value)
	return b
}

func (b *TableBuilder) AddDependencies(deps ...SchemaObject) *TableBuilder {
	b.table.AddDependencies(deps...)
	return b
}

func (b *TableBuilder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.table.columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", b.table.def.QualifiedName())
	}
	return b.table, nil
}

func (b *TableBuilder) requireColumns(columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("no columns given")
	}
	for _, name := range columns {
		found := false
		for _, c := range b.table.columns {
			if c.Name == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown column %q", name)
		}
	}
	return nil
}

func (b *TableBuilder) setErr(err error) {
	if b.err == nil {
		b.err = fmt.Errorf("table %s: %w", b.table.def.QualifiedName(), err)
	}
}
