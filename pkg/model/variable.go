package model

import "context"

// SessionVariable is a per-session setting with a database-wide default, e.g. the current tenant id used by row
// level security predicates
type SessionVariable struct {
	baseObject
	defaultValue string
}

func NewSessionVariable(schema, name string, version int, defaultValue string) *SessionVariable {
	return &SessionVariable{
		baseObject:   newBaseObject(KindVariable, schema, name, version),
		defaultValue: defaultValue,
	}
}

func (v *SessionVariable) DefaultValue() string {
	return v.defaultValue
}

func (v *SessionVariable) Apply(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.CreateSessionVariable(ctx, v.def.Schema, v.def.Name, v.defaultValue)
}

func (v *SessionVariable) ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error {
	v.warnMigrationsIgnored(ctx, priorVersion)
	return v.Apply(ctx, adapter)
}

func (v *SessionVariable) Drop(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.DropSessionVariable(ctx, v.def.Schema, v.def.Name)
}

func (v *SessionVariable) Grant(ctx context.Context, adapter SchemaAdapter, group, toUser string) error {
	return v.grantWith(group, func(privs []Privilege) error {
		return adapter.GrantVariablePrivileges(ctx, v.def.Schema, v.def.Name, privs, toUser)
	})
}
