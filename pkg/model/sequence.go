package model

import (
	"context"
	"fmt"
)

type SequenceOptions struct {
	StartWith   int64
	IncrementBy int64
	Cache       int
}

type Sequence struct {
	baseObject
	options SequenceOptions
}

func NewSequence(schema, name string, version int, options SequenceOptions) *Sequence {
	if options.IncrementBy == 0 {
		options.IncrementBy = 1
	}
	if options.StartWith == 0 {
		options.StartWith = 1
	}
	return &Sequence{
		baseObject: newBaseObject(KindSequence, schema, name, version),
		options:    options,
	}
}

func (s *Sequence) Options() SequenceOptions {
	return s.options
}

// AddRestartWithMigration bumps an existing sequence at a prior version in [fromMin, fromMax] to restartWith. New
// sequences are created with the current options instead
func (s *Sequence) AddRestartWithMigration(fromMin, fromMax int, restartWith int64) error {
	if fromMin > fromMax || fromMax >= s.def.Version {
		return fmt.Errorf("sequence %s: invalid prior version range [%d, %d]", s.def.QualifiedName(), fromMin, fromMax)
	}
	s.addMigration(Migration{
		FromVersionMin: fromMin,
		FromVersionMax: fromMax,
		Description:    fmt.Sprintf("restart with %d", restartWith),
		Apply: func(ctx context.Context, adapter SchemaAdapter) error {
			return adapter.AlterSequenceRestartWith(ctx, s.def.Schema, s.def.Name, restartWith, s.options)
		},
	})
	return nil
}

func (s *Sequence) Apply(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.CreateSequence(ctx, s.def.Schema, s.def.Name, s.options)
}

func (s *Sequence) ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error {
	if migrated, err := s.runMigrations(ctx, priorVersion, adapter); migrated || err != nil {
		return err
	}
	return s.Apply(ctx, adapter)
}

func (s *Sequence) Drop(ctx context.Context, adapter SchemaAdapter) error {
	return adapter.DropSequence(ctx, s.def.Schema, s.def.Name)
}

func (s *Sequence) Grant(ctx context.Context, adapter SchemaAdapter, group, toUser string) error {
	return s.grantWith(group, func(privs []Privilege) error {
		return adapter.GrantSequencePrivileges(ctx, s.def.Schema, s.def.Name, privs, toUser)
	})
}
