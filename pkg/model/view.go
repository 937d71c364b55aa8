package model

import "context"

type View struct {
	baseObject
	definition string
	create     bool
}

// NewView declares a view. When create is false the view stays in the model, e.g. so it can still be dropped, but
// apply does not create it
func NewView(schema, name string, version int, definition string, create bool) *View {
	return &View{
		baseObject: newBaseObject(KindView, schema, name, version),
		definition: definition,
		create:     create,
	}
}

func (v *View) Definition() string {
	return v.definition
}

func (v *View) Create() bool {
	return v.create
}

func (v *View) Apply(ctx context.Context, adapter SchemaAdapter) error {
	if !v.create {
		return nil
	}
	return adapter.CreateOrReplaceView(ctx, v.def.Schema, v.def.Name, v.definition)
}

func (v *View) ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error {
	v.warnMigrationsIgnored(ctx, priorVersion)
	return v.Apply(ctx, adapter)
}

func (v *View) Drop(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.DropView(ctx, v.def.Schema, v.def.Name)
}

func (v *View) Grant(ctx context.Context, adapter SchemaAdapter, group, toUser string) error {
	return v.grantWith(group, func(privs []Privilege) error {
		return adapter.GrantTablePrivileges(ctx, v.def.Schema, v.def.Name, privs, toUser)
	})
}
