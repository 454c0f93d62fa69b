// Package crate implements the named namespace of documents with its
// own set of indexes, and the process-wide crate manager (spec.md
// §4.8).
package crate

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/crushdb/crushdb/btree"
	"github.com/crushdb/crushdb/config"
	"github.com/crushdb/crushdb/document"
	"github.com/crushdb/crushdb/index"
	"github.com/crushdb/crushdb/page"
	"github.com/crushdb/crushdb/storageengine"
)

// Crate is a named bag of documents with its own set of indexes.
type Crate struct {
	Name       string
	indexNames map[string]struct{}
}

func newCrate(name string) *Crate {
	return &Crate{Name: name, indexNames: make(map[string]struct{})}
}

// Manager is process-wide singleton state behind explicit Init/Reset
// (spec.md §4.8, §9's "Global singletons ... recast as an explicit
// Context" — here Reset is literally "constructing a fresh context").
type Manager struct {
	mu         sync.Mutex
	engine     *storageengine.Engine
	cratesPath string
	crates     map[string]*Crate
}

var instance = &Manager{}

// Init wires the manager to a storage engine and the directory backing
// each crate's `{crate}.crate` definition file (spec.md §6). Required
// before use.
func Init(engine *storageengine.Engine, cratesPath string) {
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.engine = engine
	instance.cratesPath = cratesPath
	instance.crates = make(map[string]*Crate)
}

// Reset clears all manager state, for tests.
func Reset() {
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.engine = nil
	instance.cratesPath = ""
	instance.crates = nil
}

// Get returns (creating and persisting, if necessary) the named crate.
func Get(name string) *Crate {
	instance.mu.Lock()
	defer instance.mu.Unlock()
	if instance.crates == nil {
		panic("crate: Manager used before Init")
	}
	c, ok := instance.crates[name]
	if !ok {
		if err := writeCrateFile(instance.cratesPath, name); err != nil {
			panic(fmt.Sprintf("crate: persist %s: %v", name, err))
		}
		c = newCrate(name)
		instance.crates[name] = c
	}
	return c
}

// LoadCratesFromDisk reconstructs the set of known crate names from
// their `{crate}.crate` definition files (spec.md §6), mirroring the
// index manager's LoadIndexesFromDisk (spec.md §4.5). A crate file
// carries only a name, so there is nothing else to rebuild here; a
// crate's index membership is re-derived from index.Manager (which must
// have already run its own LoadIndexesFromDisk — spec.md §9 leaves
// recovery ordering an open question, so this engine does not guess at
// it beyond requiring indexes to be loaded first).
func LoadCratesFromDisk() error {
	instance.mu.Lock()
	defer instance.mu.Unlock()
	if instance.crates == nil {
		panic("crate: Manager used before Init")
	}

	entries, err := os.ReadDir(instance.cratesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("crate: read crates directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".crate") {
			continue
		}
		name, err := readCrateFile(instance.cratesPath, e.Name())
		if err != nil {
			continue
		}
		c, ok := instance.crates[name]
		if !ok {
			c = newCrate(name)
			instance.crates[name] = c
		}
		if instance.engine != nil {
			for _, idx := range instance.engine.Indexes.GetAllIndexesFromCrate(name) {
				c.indexNames[idx.IndexName] = struct{}{}
			}
		}
	}
	return nil
}

func writeCrateFile(dir, name string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create crates directory: %w", err)
	}
	f, err := os.Create(dir + "/" + name + ".crate")
	if err != nil {
		return fmt.Errorf("create crate file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "name=%s\n", name)
	return w.Flush()
}

func readCrateFile(dir, filename string) (string, error) {
	f, err := os.Open(dir + "/" + filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "name="); ok {
			return name, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s: missing name= line", filename)
}

// CreateIndex registers an index with the index manager and records it
// in the crate's local set.
func (c *Crate) CreateIndex(valueType btree.KeyType, indexName, fieldName string, unique bool, order int, sortOrder btree.SortOrder) error {
	instance.mu.Lock()
	engine := instance.engine
	instance.mu.Unlock()
	if engine == nil {
		panic("crate: Manager used before Init")
	}

	if _, err := engine.Indexes.CreateIndex(valueType, c.Name, indexName, fieldName, unique, order, sortOrder); err != nil {
		return err
	}

	instance.mu.Lock()
	c.indexNames[indexName] = struct{}{}
	instance.mu.Unlock()
	return nil
}

// Insert picks the subset of indexes whose field appears in the
// document and calls the storage engine's scoped insert; with no
// applicable index it falls back to the unscoped insert, which still
// indexes on every matching crate-wide index (spec.md §4.8).
func (c *Crate) Insert(docID uint64, fields *document.Document) (*page.Document, error) {
	instance.mu.Lock()
	engine := instance.engine
	instance.mu.Unlock()
	if engine == nil {
		panic("crate: Manager used before Init")
	}

	var applicable []*index.Index
	for _, idx := range engine.Indexes.GetAllIndexesFromCrate(c.Name) {
		if _, ok := fields.Get(idx.FieldName); ok {
			applicable = append(applicable, idx)
		}
	}

	if len(applicable) == 0 {
		return engine.Insert(c.Name, docID, fields)
	}
	return engine.InsertWithIndexes(c.Name, docID, fields, applicable)
}

// Find prefers an exact single-field index match (index name
// `{field}_index`) and otherwise degrades to a fallback scan (spec.md
// §4.8).
func (c *Crate) Find(field string, value interface{}) ([]*page.Document, error) {
	instance.mu.Lock()
	engine := instance.engine
	_, hasFieldIndex := c.indexNames[field+"_index"]
	instance.mu.Unlock()
	if engine == nil {
		panic("crate: Manager used before Init")
	}

	if hasFieldIndex {
		return engine.Find(c.Name, field+"_index", value)
	}
	return engine.Scan(c.Name, field, value)
}

// RangeFind is the range-search counterpart to Find, usable only when
// the crate carries the conventional `{field}_index`.
func (c *Crate) RangeFind(field string, lo, hi interface{}) ([]*page.Document, error) {
	instance.mu.Lock()
	engine := instance.engine
	_, hasFieldIndex := c.indexNames[field+"_index"]
	instance.mu.Unlock()
	if engine == nil {
		panic("crate: Manager used before Init")
	}
	if !hasFieldIndex {
		return nil, fmt.Errorf("crate: %s has no %s_index for range queries", c.Name, field)
	}
	return engine.RangeFind(c.Name, field+"_index", lo, hi)
}

// Compact reclaims this crate's tombstoned pages whose grace period has
// elapsed, per cfg.TombstoneGcMillis (spec.md §6 `tombstoneGc`).
func (c *Crate) Compact(cfg *config.Config) (int, error) {
	instance.mu.Lock()
	engine := instance.engine
	instance.mu.Unlock()
	if engine == nil {
		panic("crate: Manager used before Init")
	}
	return engine.CompactCrate(c.Name, cfg.TombstoneGcMillis)
}
