package model

import (
	"context"
	"fmt"
	"strings"
)

type ObjectKind string

const (
	KindTable      ObjectKind = "TABLE"
	KindIndex      ObjectKind = "INDEX"
	KindProcedure  ObjectKind = "PROCEDURE"
	KindFunction   ObjectKind = "FUNCTION"
	KindSequence   ObjectKind = "SEQUENCE"
	KindView       ObjectKind = "VIEW"
	KindTablespace ObjectKind = "TABLESPACE"
	KindVariable   ObjectKind = "VARIABLE"
	KindPermission ObjectKind = "PERMISSION"
	KindType       ObjectKind = "TYPE"
	KindGroup      ObjectKind = "GROUP"
	KindNop        ObjectKind = "NOP"
)

var knownKinds = map[ObjectKind]bool{
	KindTable: true, KindIndex: true, KindProcedure: true, KindFunction: true, KindSequence: true, KindView: true,
	KindTablespace: true, KindVariable: true, KindPermission: true, KindType: true, KindGroup: true, KindNop: true,
}

// ParseObjectKind parses the upper-case kind name, e.g. "TABLE"
func ParseObjectKind(s string) (ObjectKind, error) {
	k := ObjectKind(s)
	if !knownKinds[k] {
		return "", fmt.Errorf("unknown object kind %q", s)
	}
	return k, nil
}

// IsRoutine reports whether objects of this kind are always re-issued with create-or-replace semantics, regardless
// of the recorded version
func (k ObjectKind) IsRoutine() bool {
	return k == KindProcedure || k == KindFunction
}

// HasSchema reports whether objects of this kind live inside a schema
func (k ObjectKind) HasSchema() bool {
	return k != KindTablespace && k != KindGroup
}

// Identity is the (kind, schema, name) triple uniquely identifying a schema object across versions. It is comparable
// and can be used as a map key
type Identity struct {
	Kind   ObjectKind
	Schema string
	Name   string
}

func NewIdentity(kind ObjectKind, schema, name string) Identity {
	if !kind.HasSchema() {
		schema = ""
	}
	return Identity{Kind: kind, Schema: schema, Name: name}
}

// QualifiedName is schema.name, or just the name for kinds that do not live in a schema
func (i Identity) QualifiedName() string {
	if i.Schema == "" {
		return i.Name
	}
	return i.Schema + "." + i.Name
}

func (i Identity) String() string {
	return fmt.Sprintf("%s:%s", i.Kind, i.QualifiedName())
}

// ParseIdentity parses the String form of an identity, e.g. "TABLE:app.users" or "TABLESPACE:fast". If the kind
// lives in a schema and none is given, defaultSchema is used
func ParseIdentity(s, defaultSchema string) (Identity, error) {
	kindStr, qualifiedName, ok := strings.Cut(s, ":")
	if !ok {
		return Identity{}, fmt.Errorf("identity %q: expected KIND:name", s)
	}
	kind, err := ParseObjectKind(kindStr)
	if err != nil {
		return Identity{}, fmt.Errorf("identity %q: %w", s, err)
	}

	schema, name := defaultSchema, qualifiedName
	if kind.HasSchema() {
		if before, after, ok := strings.Cut(qualifiedName, "."); ok {
			schema, name = before, after
		}
		if schema == "" {
			return Identity{}, fmt.Errorf("identity %q: no schema", s)
		}
	}
	if name == "" {
		return Identity{}, fmt.Errorf("identity %q: no name", s)
	}
	return NewIdentity(kind, schema, name), nil
}

// Migration is a conditional step upgrading an object from a prior version within [FromVersionMin, FromVersionMax]
type Migration struct {
	FromVersionMin int
	FromVersionMax int
	Description    string
	Apply          func(ctx context.Context, adapter SchemaAdapter) error
}

func (m Migration) appliesTo(priorVersion int) bool {
	return priorVersion >= m.FromVersionMin && priorVersion <= m.FromVersionMax
}

// VersionedDefinition adds a version and the ordered migration steps to an identity
type VersionedDefinition struct {
	Identity
	Version    int
	Migrations []Migration
}

// TaskID is kind:qualifiedName:version. It identifies one version of one object, e.g. in task graphs and errors
func (d VersionedDefinition) TaskID() string {
	return fmt.Sprintf("%s:%d", d.Identity, d.Version)
}
