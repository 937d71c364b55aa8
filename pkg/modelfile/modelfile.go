// Package modelfile loads a PhysicalDataModel from a YAML definition. Objects are added in file order, which must
// therefore list every object after its dependencies.
//
// Example:
//
//	schema: app
//	objects:
//	  - kind: TABLE
//	    name: users
//	    version: 1
//	    columns:
//	      - {name: id, type: BIGINT}
//	    primary_key: {name: users_pk, columns: [id]}
//	  - kind: VIEW
//	    name: user_ids
//	    version: 1
//	    definition: SELECT id FROM app.users
//	    depends_on: ["TABLE:users"]
package modelfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kr/pretty"
	"github.com/stripe/pg-schema-deploy/internal/pgidentifier"
	"github.com/stripe/pg-schema-deploy/pkg/model"
	"gopkg.in/yaml.v3"
)

type (
	File struct {
		// Schema is the default schema of every object that does not set one
		Schema      string   `yaml:"schema"`
		Distributed bool     `yaml:"distributed,omitempty"`
		Objects     []Object `yaml:"objects"`
	}

	Object struct {
		Kind       string              `yaml:"kind"`
		Schema     string              `yaml:"schema,omitempty"`
		Name       string              `yaml:"name"`
		Version    int                 `yaml:"version"`
		Tags       map[string]string   `yaml:"tags,omitempty"`
		DependsOn  []string            `yaml:"depends_on,omitempty"`
		Privileges map[string][]string `yaml:"privileges,omitempty"`

		// TABLE
		Columns      []Column      `yaml:"columns,omitempty"`
		PrimaryKey   *Constraint   `yaml:"primary_key,omitempty"`
		Unique       []Constraint  `yaml:"unique,omitempty"`
		Indexes      []Index       `yaml:"indexes,omitempty"`
		ForeignKeys  []ForeignKey  `yaml:"foreign_keys,omitempty"`
		Tablespace   string        `yaml:"tablespace,omitempty"`
		Distribution *Distribution `yaml:"distribution,omitempty"`
		Migrations   []Migration   `yaml:"migrations,omitempty"`

		// INDEX
		Table  string   `yaml:"table,omitempty"`
		On     []string `yaml:"on,omitempty"`
		IsUniq bool     `yaml:"unique_index,omitempty"`

		// VIEW, PROCEDURE, FUNCTION
		Definition     string `yaml:"definition,omitempty"`
		DefinitionFile string `yaml:"definition_file,omitempty"`
		Create         *bool  `yaml:"create,omitempty"`
		// DistributionArg is the 1-based argument a distributed function is co-located by
		DistributionArg int `yaml:"distribution_arg,omitempty"`

		// SEQUENCE
		StartWith   int64     `yaml:"start_with,omitempty"`
		IncrementBy int64     `yaml:"increment_by,omitempty"`
		Cache       int       `yaml:"cache,omitempty"`
		RestartWith []Restart `yaml:"restart_with,omitempty"`

		// TABLESPACE
		ExtentSizeKB int `yaml:"extent_size_kb,omitempty"`

		// VARIABLE
		Default string `yaml:"default,omitempty"`
	}

	Column struct {
		Name     string `yaml:"name"`
		Type     string `yaml:"type"`
		Nullable bool   `yaml:"nullable,omitempty"`
		Default  string `yaml:"default,omitempty"`
	}

	Constraint struct {
		Name    string   `yaml:"name"`
		Columns []string `yaml:"columns"`
	}

	Index struct {
		Name    string   `yaml:"name"`
		Columns []string `yaml:"columns"`
		Unique  bool     `yaml:"unique,omitempty"`
	}

	ForeignKey struct {
		Name            string   `yaml:"name"`
		Columns         []string `yaml:"columns"`
		TargetSchema    string   `yaml:"target_schema,omitempty"`
		TargetTable     string   `yaml:"target_table"`
		TargetColumns   []string `yaml:"target_columns,omitempty"`
		OnDeleteCascade bool     `yaml:"on_delete_cascade,omitempty"`
	}

	Distribution struct {
		Type   string `yaml:"type"`
		Column string `yaml:"column,omitempty"`
	}

	// Migration upgrades a table from a prior version in [FromMin, FromMax] by adding columns
	Migration struct {
		FromMin    int      `yaml:"from_min"`
		FromMax    int      `yaml:"from_max"`
		AddColumns []Column `yaml:"add_columns"`
	}

	Restart struct {
		FromMin int   `yaml:"from_min"`
		FromMax int   `yaml:"from_max"`
		Value   int64 `yaml:"value"`
	}
)

var ErrInvalidModelFile = errors.New("invalid model file")

// Load decodes a model file from r and builds the model. Relative definition files are resolved against baseDir
func Load(r io.Reader, baseDir string, opts ...model.ModelOpt) (*model.PhysicalDataModel, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding model file: %w", err)
	}
	return f.Build(baseDir, opts...)
}

// LoadFile opens and loads the model file at path
func LoadFile(path string, opts ...model.ModelOpt) (*model.PhysicalDataModel, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening model file: %w", err)
	}
	defer r.Close()
	return Load(r, filepath.Dir(path), opts...)
}

// Build builds the model described by the file
func (f File) Build(baseDir string, opts ...model.ModelOpt) (*model.PhysicalDataModel, error) {
	if f.Distributed {
		opts = append(opts, model.WithDistributed())
	}
	m := model.NewPhysicalDataModel(opts...)
	for i, o := range f.Objects {
		obj, err := o.build(f.Schema, baseDir)
		if err != nil {
			return nil, fmt.Errorf("object %d (%s %s): %w\n%# v", i, o.Kind, o.Name, err, pretty.Formatter(o))
		}
		if err := m.AddObject(obj); err != nil {
			return nil, fmt.Errorf("object %d: %w", i, err)
		}
	}
	return m, nil
}

func (o Object) build(defaultSchema, baseDir string) (model.SchemaObject, error) {
	kind, err := model.ParseObjectKind(o.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidModelFile, err)
	}
	if err := pgidentifier.Validate(o.Name); err != nil {
		return nil, fmt.Errorf("%w: name: %s", ErrInvalidModelFile, err)
	}
	schema := o.Schema
	if schema == "" {
		schema = defaultSchema
	}
	if kind.HasSchema() && schema == "" {
		return nil, fmt.Errorf("%w: no schema", ErrInvalidModelFile)
	}
	version := o.Version
	if kind == model.KindNop && version == 0 {
		version = 1
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be at least 1", ErrInvalidModelFile)
	}

	var obj model.SchemaObject
	switch kind {
	case model.KindTable:
		obj, err = o.buildTable(schema, version)
	case model.KindIndex:
		if o.Table == "" || len(o.On) == 0 {
			return nil, fmt.Errorf("%w: index needs a table and columns", ErrInvalidModelFile)
		}
		obj = model.NewIndex(schema, o.Table, o.Name, version, o.IsUniq, o.On...)
	case model.KindView:
		create := o.Create == nil || *o.Create
		var def string
		def, err = o.definition(baseDir)
		obj = model.NewView(schema, o.Name, version, def, create)
	case model.KindSequence:
		seq := model.NewSequence(schema, o.Name, version, model.SequenceOptions{
			StartWith:   o.StartWith,
			IncrementBy: o.IncrementBy,
			Cache:       o.Cache,
		})
		for _, r := range o.RestartWith {
			if err = seq.AddRestartWithMigration(r.FromMin, r.FromMax, r.Value); err != nil {
				break
			}
		}
		obj = seq
	case model.KindProcedure:
		if err = o.checkDefinition(); err == nil {
			obj = model.NewProcedureDef(schema, o.Name, version, o.definitionSupplier(baseDir))
		}
	case model.KindFunction:
		if err = o.checkDefinition(); err == nil {
			obj = model.NewFunctionDef(schema, o.Name, version, o.definitionSupplier(baseDir), o.DistributionArg)
		}
	case model.KindTablespace:
		obj = model.NewTablespace(o.Name, version, o.ExtentSizeKB)
	case model.KindVariable:
		obj = model.NewSessionVariable(schema, o.Name, version, o.Default)
	case model.KindNop:
		obj = model.NewNopObject(schema, o.Name)
	default:
		return nil, fmt.Errorf("%w: kind %s cannot be declared in a model file", ErrInvalidModelFile, kind)
	}
	if err != nil {
		return nil, err
	}

	for _, dep := range o.DependsOn {
		id, err := model.ParseIdentity(dep, schema)
		if err != nil {
			return nil, fmt.Errorf("%w: depends_on: %s", ErrInvalidModelFile, err)
		}
		obj.AddDependencyIdentities(id)
	}
	if kind == model.KindIndex {
		obj.AddDependencyIdentities(model.NewIdentity(model.KindTable, schema, o.Table))
	}
	for group, value := range o.Tags {
		obj.AddTag(group, value)
	}
	for group, names := range o.Privileges {
		privs, err := parsePrivileges(names)
		if err != nil {
			return nil, err
		}
		obj.AddPrivileges(group, privs...)
	}
	return obj, nil
}

func (o Object) buildTable(schema string, version int) (*model.Table, error) {
	b := model.NewTableBuilder(schema, o.Name, version)
	for _, c := range o.Columns {
		b.AddColumn(model.Column(c))
	}
	if o.PrimaryKey != nil {
		b.SetPrimaryKey(o.PrimaryKey.Name, o.PrimaryKey.Columns...)
	}
	for _, u := range o.Unique {
		b.AddUniqueConstraint(u.Name, u.Columns...)
	}
	for _, idx := range o.Indexes {
		if idx.Unique {
			b.AddUniqueIndex(idx.Name, idx.Columns...)
		} else {
			b.AddIndex(idx.Name, idx.Columns...)
		}
	}
	for _, fk := range o.ForeignKeys {
		b.AddForeignKeyConstraint(model.ForeignKeyConstraint(fk))
	}
	if o.Tablespace != "" {
		b.SetTablespaceName(o.Tablespace)
	}
	if o.Distribution != nil {
		typ, err := model.ParseDistributionType(o.Distribution.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidModelFile, err)
		}
		b.SetDistribution(model.Distribution{Type: typ, Column: o.Distribution.Column})
	}
	for _, mig := range o.Migrations {
		for _, c := range mig.AddColumns {
			b.AddColumnMigration(mig.FromMin, mig.FromMax, model.Column(c))
		}
	}
	return b.Build()
}

func (o Object) definition(baseDir string) (string, error) {
	switch {
	case o.Definition != "" && o.DefinitionFile != "":
		return "", fmt.Errorf("%w: definition and definition_file are mutually exclusive", ErrInvalidModelFile)
	case o.DefinitionFile != "":
		path := o.DefinitionFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading definition file: %w", err)
		}
		return string(data), nil
	case o.Definition != "":
		return o.Definition, nil
	default:
		return "", fmt.Errorf("%w: no definition", ErrInvalidModelFile)
	}
}

// checkDefinition validates the definition fields without reading definition_file
func (o Object) checkDefinition() error {
	switch {
	case o.Definition != "" && o.DefinitionFile != "":
		return fmt.Errorf("%w: definition and definition_file are mutually exclusive", ErrInvalidModelFile)
	case o.Definition == "" && o.DefinitionFile == "":
		return fmt.Errorf("%w: no definition", ErrInvalidModelFile)
	default:
		return nil
	}
}

// definitionSupplier defers reading definition files until the routine is applied
func (o Object) definitionSupplier(baseDir string) model.DefinitionSupplier {
	return func() (string, error) {
		return o.definition(baseDir)
	}
}

func parsePrivileges(names []string) ([]model.Privilege, error) {
	privs := make([]model.Privilege, 0, len(names))
	for _, n := range names {
		p, err := model.ParsePrivilege(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidModelFile, err)
		}
		privs = append(privs, p)
	}
	return privs, nil
}
