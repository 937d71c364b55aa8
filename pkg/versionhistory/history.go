// Package versionhistory records which version of each schema object has been applied to a database. The ledger has
// one row per object per applied version; the current version of an object is its highest recorded version.
package versionhistory

import (
	"context"
	"sort"
	"sync"

	"github.com/stripe/pg-schema-deploy/pkg/model"
	"github.com/stripe/pg-schema-deploy/pkg/txn"
)

type objectKey struct {
	schema string
	kind   model.ObjectKind
	name   string
}

// Record is a single ledger entry
type Record struct {
	Schema  string
	Kind    model.ObjectKind
	Name    string
	Version int
}

// versionCache holds the current version of every known object. It is safe for concurrent use
type versionCache struct {
	mu       sync.RWMutex
	versions map[objectKey]int
}

func newVersionCache() *versionCache {
	return &versionCache{versions: make(map[objectKey]int)}
}

func (c *versionCache) get(schema string, kind model.ObjectKind, name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[objectKey{schema: schema, kind: kind, name: name}]
}

// applies is true if version has not been applied yet, i.e., it is newer than the current version
func (c *versionCache) applies(schema string, kind model.ObjectKind, name string, version int) bool {
	return c.get(schema, kind, name) < version
}

// bump raises the current version. It never lowers it
func (c *versionCache) bump(schema string, kind model.ObjectKind, name string, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := objectKey{schema: schema, kind: kind, name: name}
	if version > c.versions[key] {
		c.versions[key] = version
	}
}

// InMemory is a VersionHistory that lives only as long as the process. Useful for dry runs and tests
type InMemory struct {
	cache *versionCache

	recordsMu sync.Mutex
	records   []Record
}

var _ model.VersionHistory = (*InMemory)(nil)

func NewInMemory(records ...Record) *InMemory {
	h := &InMemory{cache: newVersionCache()}
	for _, r := range records {
		h.add(r)
	}
	return h
}

func (h *InMemory) Applies(schema string, kind model.ObjectKind, name string, version int) bool {
	return h.cache.applies(schema, kind, name, version)
}

func (h *InMemory) GetVersion(schema string, kind model.ObjectKind, name string) int {
	return h.cache.get(schema, kind, name)
}

// AddVersion records the version once the transaction carried by ctx commits, like SQL does. A rolled back attempt
// leaves no record, so a retried object is not mistaken for an applied one
func (h *InMemory) AddVersion(ctx context.Context, schema string, kind model.ObjectKind, name string, version int) error {
	txn.AfterCommit(ctx, func() {
		h.add(Record{Schema: schema, Kind: kind, Name: name, Version: version})
	})
	return nil
}

func (h *InMemory) add(r Record) {
	h.recordsMu.Lock()
	h.records = append(h.records, r)
	h.recordsMu.Unlock()
	h.cache.bump(r.Schema, r.Kind, r.Name, r.Version)
}

// Records returns every record added, in the order they were added
func (h *InMemory) Records() []Record {
	h.recordsMu.Lock()
	defer h.recordsMu.Unlock()
	return append([]Record(nil), h.records...)
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
}
