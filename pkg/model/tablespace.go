package model

import "context"

type Tablespace struct {
	baseObject
	extentSizeKB int
}

func NewTablespace(name string, version int, extentSizeKB int) *Tablespace {
	return &Tablespace{
		baseObject:   newBaseObject(KindTablespace, "", name, version),
		extentSizeKB: extentSizeKB,
	}
}

func (t *Tablespace) ExtentSizeKB() int {
	return t.extentSizeKB
}

func (t *Tablespace) Apply(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.CreateTablespace(ctx, t.def.Name, t.extentSizeKB)
}

func (t *Tablespace) ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error {
	t.warnMigrationsIgnored(ctx, priorVersion)
	return t.Apply(ctx, adapter)
}

func (t *Tablespace) Drop(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.DropTablespace(ctx, t.def.Name)
}

func (t *Tablespace) Grant(context.Context, SchemaAdapter, string, string) error {
	return nil
}
