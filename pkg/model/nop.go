package model

import "context"

// NopObject does nothing when applied. It is an anchor in the dependency graph, e.g. a single "all tables complete"
// marker that routines can depend on instead of every table
type NopObject struct {
	baseObject
}

func NewNopObject(schema, name string) *NopObject {
	return &NopObject{baseObject: newBaseObject(KindNop, schema, name, 1)}
}

func (n *NopObject) Apply(context.Context, SchemaAdapter) error {
	return nil
}

func (n *NopObject) ApplyVersioned(context.Context, int, SchemaAdapter) error {
	return nil
}

func (n *NopObject) Drop(context.Context, SchemaAdapter) error {
	return nil
}

func (n *NopObject) Grant(context.Context, SchemaAdapter, string, string) error {
	return nil
}
