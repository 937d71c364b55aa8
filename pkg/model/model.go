package model

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/stripe/pg-schema-deploy/internal/graph"
	"github.com/stripe/pg-schema-deploy/pkg/log"
)

type (
	modelOptions struct {
		logger              log.Logger
		distributed         bool
		maxLockRetryBackoff time.Duration
	}

	ModelOpt func(*modelOptions)
)

// WithLogger sets the logger used by model operations. If not set, a SimpleLogger will be used
func WithLogger(logger log.Logger) ModelOpt {
	return func(opts *modelOptions) {
		opts.logger = logger
	}
}

// WithDistributed marks the model as targeting a sharded backend
func WithDistributed() ModelOpt {
	return func(opts *modelOptions) {
		opts.distributed = true
	}
}

// WithMaxLockRetryBackoff sets the upper bound of the random sleep between attempts to apply an object that hit a
// deadlock or lock timeout. 0 disables the sleep
func WithMaxLockRetryBackoff(d time.Duration) ModelOpt {
	return func(opts *modelOptions) {
		opts.maxLockRetryBackoff = d
	}
}

// PhysicalDataModel owns an ordered collection of schema objects. Insertion order is the build-time topological
// order: an object can only be added once all of its dependencies can be resolved.
//
// The model is built by a single goroutine. Once built it is read-only and safe for concurrent readers.
type PhysicalDataModel struct {
	objects               []SchemaObject
	slotByIdentity        map[Identity]int
	tablesByQualifiedName map[string]*Table
	tagIndex              map[string]map[string][]SchemaObject
	federatedModels       []*PhysicalDataModel

	options modelOptions
}

func NewPhysicalDataModel(opts ...ModelOpt) *PhysicalDataModel {
	options := modelOptions{
		logger:              log.SimpleLogger(),
		maxLockRetryBackoff: defaultMaxLockRetryBackoff,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &PhysicalDataModel{
		slotByIdentity:        make(map[Identity]int),
		tablesByQualifiedName: make(map[string]*Table),
		tagIndex:              make(map[string]map[string][]SchemaObject),
		options:               options,
	}
}

// AddFederatedModel registers a read-only sibling model consulted when a dependency or table is not found locally.
// Federated models are searched in registration order
func (m *PhysicalDataModel) AddFederatedModel(federated *PhysicalDataModel) {
	m.federatedModels = append(m.federatedModels, federated)
}

// AddObject appends obj to the model
func (m *PhysicalDataModel) AddObject(obj SchemaObject) error {
	id := obj.Identity()
	if obj.Version() < 1 {
		return fmt.Errorf("adding %s: %w", obj.TaskID(), ErrInvalidVersion)
	}
	if _, ok := m.slotByIdentity[id]; ok {
		return fmt.Errorf("adding %s: %w", id, ErrDuplicateObject)
	}
	for _, dep := range obj.Dependencies() {
		if dep == id {
			return fmt.Errorf("adding %s: depends on itself: %w", id, ErrCycleDetected)
		}
		if _, _, ok := m.resolve(dep); !ok {
			return fmt.Errorf("adding %s: %s: %w", id, dep, ErrUnresolvedDependency)
		}
	}

	m.slotByIdentity[id] = len(m.objects)
	m.objects = append(m.objects, obj)
	if t, ok := obj.(*Table); ok {
		m.tablesByQualifiedName[id.QualifiedName()] = t
	}
	for group, value := range obj.Tags() {
		byValue, ok := m.tagIndex[group]
		if !ok {
			byValue = make(map[string][]SchemaObject)
			m.tagIndex[group] = byValue
		}
		byValue[value] = append(byValue[value], obj)
	}
	return nil
}

// AddObjects adds the objects in order, stopping at the first error
func (m *PhysicalDataModel) AddObjects(objs ...SchemaObject) error {
	for _, obj := range objs {
		if err := m.AddObject(obj); err != nil {
			return err
		}
	}
	return nil
}

// Objects returns the objects in insertion order
func (m *PhysicalDataModel) Objects() []SchemaObject {
	return append([]SchemaObject(nil), m.objects...)
}

func (m *PhysicalDataModel) Len() int {
	return len(m.objects)
}

// IsDistributed is true if this model or any federated model targets a sharded backend
func (m *PhysicalDataModel) IsDistributed() bool {
	if m.options.distributed {
		return true
	}
	for _, f := range m.federatedModels {
		if f.options.distributed {
			return true
		}
	}
	return false
}

// resolve finds the object with the given identity, locally first. local is false when it was found in a federated
// model
func (m *PhysicalDataModel) resolve(id Identity) (obj SchemaObject, local bool, ok bool) {
	if slot, ok := m.slotByIdentity[id]; ok {
		return m.objects[slot], true, true
	}
	for _, f := range m.federatedModels {
		if slot, ok := f.slotByIdentity[id]; ok {
			return f.objects[slot], false, true
		}
	}
	return nil, false, false
}

// FindObject looks up an object locally, then in each federated model
func (m *PhysicalDataModel) FindObject(id Identity) (SchemaObject, bool) {
	obj, _, ok := m.resolve(id)
	return obj, ok
}

// FindTable looks up a table locally, then in each federated model. First match wins
func (m *PhysicalDataModel) FindTable(schema, name string) (*Table, bool) {
	qualifiedName := NewIdentity(KindTable, schema, name).QualifiedName()
	if t, ok := m.tablesByQualifiedName[qualifiedName]; ok {
		return t, true
	}
	for _, f := range m.federatedModels {
		if t, ok := f.tablesByQualifiedName[qualifiedName]; ok {
			return t, true
		}
	}
	return nil, false
}

// SearchByTag returns the objects tagged group=value, in insertion order. The returned slice is a copy
func (m *PhysicalDataModel) SearchByTag(group, value string) []SchemaObject {
	return append([]SchemaObject(nil), m.tagIndex[group][value]...)
}

// matchesTag is true if no tag filter is given (tagGroup is empty) or the object's tag equals tagValue
func matchesTag(obj SchemaObject, tagGroup, tagValue string) bool {
	if tagGroup == "" {
		return true
	}
	value, ok := obj.Tag(tagGroup)
	return ok && value == tagValue
}

func (m *PhysicalDataModel) context(ctx context.Context) context.Context {
	return withLogger(ctx, m.options.logger)
}

func (m *PhysicalDataModel) retryPolicy() retryPolicy {
	return retryPolicy{maxAttempts: maxLockAttempts, maxBackoff: m.options.maxLockRetryBackoff}
}

type objectVertex struct {
	obj SchemaObject
}

func (v objectVertex) GetId() string {
	return v.obj.Identity().String()
}

// dependencyGraph has an edge dependency -> dependent for every local object. Federated dependencies are included as
// vertices without edges of their own
func (m *PhysicalDataModel) dependencyGraph() (*graph.Graph[objectVertex], error) {
	g := graph.NewGraph[objectVertex]()
	for _, obj := range m.objects {
		g.AddVertex(objectVertex{obj: obj})
	}
	for _, obj := range m.objects {
		for _, dep := range obj.Dependencies() {
			depObj, _, ok := m.resolve(dep)
			if !ok {
				return nil, fmt.Errorf("%s depends on %s: %w", obj.Identity(), dep, ErrUnresolvedDependency)
			}
			if !g.HasVertexWithId(dep.String()) {
				g.AddVertex(objectVertex{obj: depObj})
			}
			if err := g.AddEdge(dep.String(), obj.Identity().String()); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Validate checks every dependency resolves and there is no dependency cycle
func (m *PhysicalDataModel) Validate() error {
	g, err := m.dependencyGraph()
	if err != nil {
		return err
	}
	if cycle := g.FindCycle(); cycle != nil {
		return fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}
	return nil
}

// EncodeDOT writes the dependency graph in DOT format. Edges point from a dependency to its dependents
func (m *PhysicalDataModel) EncodeDOT(w io.Writer) error {
	g, err := m.dependencyGraph()
	if err != nil {
		return err
	}
	return graph.EncodeDOT(g, w, func(v objectVertex) string {
		return v.obj.TaskID()
	})
}

type hashableObject struct {
	ID           string
	Version      int
	Dependencies []string
	Tags         map[string]string
}

// Hash fingerprints the model: identities, versions, dependencies and tags. Two builds of the same model hash the
// same
func (m *PhysicalDataModel) Hash() (string, error) {
	var objs []hashableObject
	for _, obj := range m.objects {
		var deps []string
		for _, d := range obj.Dependencies() {
			deps = append(deps, d.String())
		}
		sort.Strings(deps)
		objs = append(objs, hashableObject{
			ID:           obj.Identity().String(),
			Version:      obj.Version(),
			Dependencies: deps,
			Tags:         obj.Tags(),
		})
	}
	hashVal, err := hashstructure.Hash(objs, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing model: %w", err)
	}
	return fmt.Sprintf("%x", hashVal), nil
}
