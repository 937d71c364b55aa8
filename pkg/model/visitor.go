package model

import (
	"context"
	"fmt"
)

// Visitor has one method per SchemaObject variant. Embed BaseVisitor to only handle some of them
type Visitor interface {
	VisitTable(ctx context.Context, t *Table) error
	VisitIndex(ctx context.Context, i *Index) error
	VisitView(ctx context.Context, v *View) error
	VisitSequence(ctx context.Context, s *Sequence) error
	VisitTablespace(ctx context.Context, t *Tablespace) error
	VisitProcedure(ctx context.Context, p *ProcedureDef) error
	VisitFunction(ctx context.Context, f *FunctionDef) error
	VisitSessionVariable(ctx context.Context, v *SessionVariable) error
	VisitNop(ctx context.Context, n *NopObject) error
}

type BaseVisitor struct{}

func (BaseVisitor) VisitTable(context.Context, *Table) error                     { return nil }
func (BaseVisitor) VisitIndex(context.Context, *Index) error                     { return nil }
func (BaseVisitor) VisitView(context.Context, *View) error                       { return nil }
func (BaseVisitor) VisitSequence(context.Context, *Sequence) error               { return nil }
func (BaseVisitor) VisitTablespace(context.Context, *Tablespace) error           { return nil }
func (BaseVisitor) VisitProcedure(context.Context, *ProcedureDef) error          { return nil }
func (BaseVisitor) VisitFunction(context.Context, *FunctionDef) error            { return nil }
func (BaseVisitor) VisitSessionVariable(context.Context, *SessionVariable) error { return nil }
func (BaseVisitor) VisitNop(context.Context, *NopObject) error                   { return nil }

// Dispatch calls the visitor method matching the concrete type of obj
func Dispatch(ctx context.Context, v Visitor, obj SchemaObject) error {
	switch o := obj.(type) {
	case *Table:
		return v.VisitTable(ctx, o)
	case *Index:
		return v.VisitIndex(ctx, o)
	case *View:
		return v.VisitView(ctx, o)
	case *Sequence:
		return v.VisitSequence(ctx, o)
	case *Tablespace:
		return v.VisitTablespace(ctx, o)
	case *ProcedureDef:
		return v.VisitProcedure(ctx, o)
	case *FunctionDef:
		return v.VisitFunction(ctx, o)
	case *SessionVariable:
		return v.VisitSessionVariable(ctx, o)
	case *NopObject:
		return v.VisitNop(ctx, o)
	default:
		return fmt.Errorf("unsupported schema object %T", obj)
	}
}
