package model

import (
	"context"
	"fmt"
	"sort"

	"github.com/stripe/pg-schema-deploy/internal/set"
	"github.com/stripe/pg-schema-deploy/pkg/log"
)

// SchemaObject is the polymorphic unit of change: a named, versioned database artifact. The set of implementations
// is closed; see Visitor.
//
// Objects are built during a single-threaded model-build phase. Tags, dependencies and privileges must be declared
// before the object is added to a PhysicalDataModel and are read-only afterwards.
type SchemaObject interface {
	Identity() Identity
	Version() int
	TaskID() string
	Migrations() []Migration

	// Dependencies returns the identities of the objects that must be applied before this one
	Dependencies() []Identity
	AddDependencies(deps ...SchemaObject)
	AddDependencyIdentities(ids ...Identity)

	Tags() map[string]string
	Tag(group string) (string, bool)
	AddTag(group, value string)

	AddPrivileges(group string, privileges ...Privilege)
	Privileges(group string) []Privilege
	PrivilegeGroups() []string

	Apply(ctx context.Context, adapter SchemaAdapter) error
	// ApplyVersioned migrates the object forward from priorVersion, where 0 means it was never applied
	ApplyVersioned(ctx context.Context, priorVersion int, adapter SchemaAdapter) error
	Drop(ctx context.Context, adapter SchemaAdapter) error
	// Grant grants the privileges of the group to the user. It is a no-op if the object has no such group
	Grant(ctx context.Context, adapter SchemaAdapter, group, toUser string) error
	// ApplyDistributionRules applies the rules of the given pass: 0 for reference rules, 1 for sharding rules
	ApplyDistributionRules(ctx context.Context, adapter SchemaAdapter, pass int) error

	isSchemaObject()
}

const (
	DistributionPassReference = 0
	DistributionPassSharding  = 1
)

type baseObject struct {
	def          VersionedDefinition
	dependencies *set.Set[string, Identity]
	tags         map[string]string
	privileges   map[string]*set.Set[Privilege, Privilege]
}

func newBaseObject(kind ObjectKind, schema, name string, version int) baseObject {
	return baseObject{
		def: VersionedDefinition{
			Identity: NewIdentity(kind, schema, name),
			Version:  version,
		},
		dependencies: set.NewSetWithCustomKey(Identity.String),
		tags:         make(map[string]string),
		privileges:   make(map[string]*set.Set[Privilege, Privilege]),
	}
}

func (b *baseObject) Identity() Identity {
	return b.def.Identity
}

func (b *baseObject) Version() int {
	return b.def.Version
}

func (b *baseObject) TaskID() string {
	return b.def.TaskID()
}

func (b *baseObject) Migrations() []Migration {
	return append([]Migration(nil), b.def.Migrations...)
}

func (b *baseObject) addMigration(m Migration) {
	b.def.Migrations = append(b.def.Migrations, m)
}

func (b *baseObject) Dependencies() []Identity {
	return b.dependencies.Values()
}

func (b *baseObject) AddDependencies(deps ...SchemaObject) {
	for _, d := range deps {
		b.dependencies.Add(d.Identity())
	}
}

func (b *baseObject) AddDependencyIdentities(ids ...Identity) {
	b.dependencies.Add(ids...)
}

func (b *baseObject) Tags() map[string]string {
	tags := make(map[string]string, len(b.tags))
	for k, v := range b.tags {
		tags[k] = v
	}
	return tags
}

func (b *baseObject) Tag(group string) (string, bool) {
	v, ok := b.tags[group]
	return v, ok
}

func (b *baseObject) AddTag(group, value string) {
	b.tags[group] = value
}

func (b *baseObject) AddPrivileges(group string, privileges ...Privilege) {
	privs, ok := b.privileges[group]
	if !ok {
		privs = set.NewSet[Privilege]()
		b.privileges[group] = privs
	}
	privs.Add(privileges...)
}

func (b *baseObject) Privileges(group string) []Privilege {
	privs, ok := b.privileges[group]
	if !ok {
		return nil
	}
	return privs.Values()
}

func (b *baseObject) PrivilegeGroups() []string {
	groups := make([]string, 0, len(b.privileges))
	for g := range b.privileges {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

func (b *baseObject) ApplyDistributionRules(context.Context, SchemaAdapter, int) error {
	return nil
}

func (b *baseObject) isSchemaObject() {}

// grantWith looks up the privilege group and, if present, hands the privileges to grantFn
func (b *baseObject) grantWith(group string, grantFn func([]Privilege) error) error {
	privs := b.Privileges(group)
	if len(privs) == 0 {
		return nil
	}
	return grantFn(privs)
}

// runMigrations runs the migration steps declared for priorVersion. It returns false if the object should instead
// be applied from scratch: it was never applied, it is already at (or past) its version, or it declares no steps
func (b *baseObject) runMigrations(ctx context.Context, priorVersion int, adapter SchemaAdapter) (bool, error) {
	if priorVersion <= 0 || priorVersion >= b.def.Version || len(b.def.Migrations) == 0 {
		return false, nil
	}
	ran := false
	for _, m := range b.def.Migrations {
		if !m.appliesTo(priorVersion) {
			continue
		}
		if err := m.Apply(ctx, adapter); err != nil {
			return true, fmt.Errorf("migrating %s from version %d (%s): %w", b.TaskID(), priorVersion, m.Description, err)
		}
		ran = true
	}
	if !ran {
		return true, &DataAccessError{Msg: fmt.Sprintf("no migration step for %s from version %d", b.TaskID(), priorVersion)}
	}
	return true, nil
}

// warnMigrationsIgnored is used by create-or-replace objects, where a full apply supersedes any incremental step
func (b *baseObject) warnMigrationsIgnored(ctx context.Context, priorVersion int) {
	if priorVersion > 0 && priorVersion < b.def.Version && len(b.def.Migrations) > 0 {
		loggerFrom(ctx).Warnf("%s declares migration steps from version %d; applying the full definition instead",
			b.TaskID(), priorVersion)
	}
}

type loggerCtxKey struct{}

func withLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

func loggerFrom(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerCtxKey{}).(log.Logger); ok {
		return logger
	}
	return log.SimpleLogger()
}
