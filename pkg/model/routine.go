package model

import (
	"context"
	"fmt"
	"sync"
)

// DefinitionSupplier returns the full create-or-replace statement of a routine. It is called on every apply, so
// templates can be rendered lazily
type DefinitionSupplier func() (string, error)

// StaticDefinition returns a DefinitionSupplier for a fixed definition
func StaticDefinition(ddl string) DefinitionSupplier {
	return func() (string, error) {
		return ddl, nil
	}
}

type ProcedureDef struct {
	baseObject
	definition DefinitionSupplier

	// applyMu serializes drop-and-recreate so two execution paths refreshing the same procedure cannot race
	applyMu sync.Mutex
}

func NewProcedureDef(schema, name string, version int, definition DefinitionSupplier) *ProcedureDef {
	return &ProcedureDef{
		baseObject: newBaseObject(KindProcedure, schema, name, version),
		definition: definition,
	}
}

// Apply drops and recreates the procedure
func (p *ProcedureDef) Apply(ctx context.Context, adapter SchemaAdapter) error {
	ddl, err := p.definition()
	if err != nil {
		return fmt.Errorf("rendering procedure definition: %w", err)
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if err := adapter.DropProcedure(ctx, p.def.Schema, p.def.Name); err != nil && !IsUndefinedName(err) {
		return fmt.Errorf("dropping procedure before recreating it: %w", err)
	}
	return adapter.CreateOrReplaceProcedure(ctx, p.def.Schema, p.def.Name, ddl)
}

func (p *ProcedureDef) ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error {
	p.warnMigrationsIgnored(ctx, priorVersion)
	return p.Apply(ctx, adapter)
}

func (p *ProcedureDef) Drop(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.DropProcedure(ctx, p.def.Schema, p.def.Name)
}

func (p *ProcedureDef) Grant(ctx context.Context, adapter SchemaAdapter, group, toUser string) error {
	return p.grantWith(group, func(privs []Privilege) error {
		return adapter.GrantProcedurePrivileges(ctx, p.def.Schema, p.def.Name, privs, toUser)
	})
}

type FunctionDef struct {
	baseObject
	definition DefinitionSupplier
	// distributionArgIndex is the 1-based index of the argument used to co-locate calls with the data on a
	// distributed backend. 0 means the function is not distributed
	distributionArgIndex int
}

func NewFunctionDef(schema, name string, version int, definition DefinitionSupplier, distributionArgIndex int) *FunctionDef {
	return &FunctionDef{
		baseObject:           newBaseObject(KindFunction, schema, name, version),
		definition:           definition,
		distributionArgIndex: distributionArgIndex,
	}
}

func (f *FunctionDef) DistributionArgIndex() int {
	return f.distributionArgIndex
}

func (f *FunctionDef) Apply(ctx context.Context, adapter SchemaAdapter) error {
	ddl, err := f.definition()
	if err != nil {
		return fmt.Errorf("rendering function definition: %w", err)
	}
	return adapter.CreateOrReplaceFunction(ctx, f.def.Schema, f.def.Name, ddl)
}

func (f *FunctionDef) ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error {
	f.warnMigrationsIgnored(ctx, priorVersion)
	return f.Apply(ctx, adapter)
}

func (f *FunctionDef) Drop(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.DropFunction(ctx, f.def.Schema, f.def.Name)
}

func (f *FunctionDef) Grant(ctx context.Context, adapter SchemaAdapter, group, toUser string) error {
	return f.grantWith(group, func(privs []Privilege) error {
		return adapter.GrantFunctionPrivileges(ctx, f.def.Schema, f.def.Name, privs, toUser)
	})
}

func (f *FunctionDef) ApplyDistributionRules(ctx context.Context, adapter SchemaAdapter, pass int) error {
	if pass != DistributionPassSharding || f.distributionArgIndex <= 0 {
		return nil
	}
	return adapter.DistributeFunction(ctx, f.def.Schema, f.def.Name, f.distributionArgIndex)
}
