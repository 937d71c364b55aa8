package model

import "context"

// Index is an index managed separately from its table, e.g. one added in a later release. It depends on its table
type Index struct {
	baseObject
	table   string
	columns []string
	unique  bool
}

func NewIndex(schema, table, name string, version int, unique bool, columns ...string) *Index {
	idx := &Index{
		baseObject: newBaseObject(KindIndex, schema, name, version),
		table:      table,
		columns:    columns,
		unique:     unique,
	}
	idx.AddDependencyIdentities(NewIdentity(KindTable, schema, table))
	return idx
}

func (i *Index) Table() string {
	return i.table
}

func (i *Index) Columns() []string {
	return append([]string(nil), i.columns...)
}

func (i *Index) Unique() bool {
	return i.unique
}

func (i *Index) Apply(ctx context.Context, adapter SchemaAdapter) error {
	if i.unique {
		return adapter.CreateUniqueIndex(ctx, i.def.Schema, i.table, i.def.Name, i.columns)
	}
	return adapter.CreateIndex(ctx, i.def.Schema, i.table, i.def.Name, i.columns)
}

func (i *Index) ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error {
	if migrated, err := i.runMigrations(ctx, priorVersion, adapter); migrated || err != nil {
		return err
	}
	return i.Apply(ctx, adapter)
}

func (i *Index) Drop(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.DropIndex(ctx, i.def.Schema, i.def.Name)
}

func (i *Index) Grant(context.Context, SchemaAdapter, string, string) error {
	return nil
}
