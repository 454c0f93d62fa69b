// Package index is the per-process registry of indexes: it owns one
// *btree.Tree per (crate, indexName) pair, persists index definitions,
// and exposes typed search/insert wrappers (spec.md §4.5).
package index

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/crushdb/crushdb/btree"
	"github.com/crushdb/crushdb/document"
	"github.com/crushdb/crushdb/page"
)

// ErrTypeMismatch is returned when a caller's value type does not match
// an index's declared type (spec.md §7 "Type mismatch").
var ErrTypeMismatch = fmt.Errorf("index: value type does not match the index's declared type")

// Definition is the persisted shape of an index, grounded on the
// teacher's in-memory IndexDef meta-page record but given its own file
// per spec.md §6 ("Index definition file") instead of a slot in the
// global metadata page.
type Definition struct {
	CrateName string
	IndexName string
	FieldName string
	ValueType btree.KeyType
	Unique    bool
	Order     int
	SortOrder btree.SortOrder
}

// Index pairs a definition with its live tree.
type Index struct {
	Definition
	tree *btree.Tree
}

type indexKey struct {
	crate string
	name  string
}

// Manager is the process-wide registry of indexes, grounded on the
// teacher's index.Manager/indexKey, generalized from (collection,field)
// keying to (crate,indexName) keying with the richer Definition spec.md
// §3 adds.
type Manager struct {
	mu          sync.RWMutex
	indexesPath string
	indexes     map[indexKey]*Index
	byCrate     map[string]map[string]struct{}
}

// NewManager creates a registry that persists definition files under
// indexesPath.
func NewManager(indexesPath string) *Manager {
	return &Manager{
		indexesPath: indexesPath,
		indexes:     make(map[indexKey]*Index),
		byCrate:     make(map[string]map[string]struct{}),
	}
}

// CreateIndex allocates a fresh tree and persists its definition to
// `{crate}__{indexName}.index` (spec.md §4.5, §6). Duplicates fail
// loudly.
func (m *Manager) CreateIndex(valueType btree.KeyType, crate, indexName, fieldName string, unique bool, order int, sortOrder btree.SortOrder) (*Index, error) {
	key := indexKey{crate, indexName}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[key]; exists {
		return nil, fmt.Errorf("index: index %s.%s already exists", crate, indexName)
	}

	def := Definition{
		CrateName: crate,
		IndexName: indexName,
		FieldName: fieldName,
		ValueType: valueType,
		Unique:    unique,
		Order:     order,
		SortOrder: sortOrder,
	}
	if err := writeDefinition(m.indexesPath, def); err != nil {
		return nil, err
	}

	idx := &Index{Definition: def, tree: btree.New(order, sortOrder, unique, valueType)}
	m.indexes[key] = idx
	if m.byCrate[crate] == nil {
		m.byCrate[crate] = make(map[string]struct{})
	}
	m.byCrate[crate][indexName] = struct{}{}
	return idx, nil
}

// Insert delegates to the named index's tree. A duplicate-key failure
// on a unique index propagates to the caller (spec.md §4.5).
func (m *Manager) Insert(crate, indexName string, value interface{}, ref page.Reference) error {
	idx := m.get(crate, indexName)
	if idx == nil {
		return fmt.Errorf("index: no index %s.%s", crate, indexName)
	}
	key, err := btree.NewKey(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	if key.Type != idx.ValueType {
		return fmt.Errorf("%w: index %s.%s declared %s, got %s", ErrTypeMismatch, crate, indexName, idx.ValueType, key.Type)
	}
	return idx.tree.Insert(key, ref)
}

// Search is a typed wrapper rejecting key-type mismatches with a fatal
// error, per spec.md §4.5.
func (m *Manager) Search(crate, indexName string, value interface{}) ([]page.Reference, error) {
	idx := m.get(crate, indexName)
	if idx == nil {
		return nil, nil
	}
	key, err := btree.NewKey(value)
	if err != nil || key.Type != idx.ValueType {
		return nil, fmt.Errorf("%w: index %s.%s declared %s", ErrTypeMismatch, crate, indexName, idx.ValueType)
	}
	return idx.tree.Search(key), nil
}

// RangeSearch is the typed range-search counterpart to Search.
func (m *Manager) RangeSearch(crate, indexName string, lo, hi interface{}) ([]page.Reference, error) {
	idx := m.get(crate, indexName)
	if idx == nil {
		return nil, nil
	}
	loKey, err1 := btree.NewKey(lo)
	hiKey, err2 := btree.NewKey(hi)
	if err1 != nil || err2 != nil || loKey.Type != idx.ValueType || hiKey.Type != idx.ValueType {
		return nil, fmt.Errorf("%w: index %s.%s declared %s", ErrTypeMismatch, crate, indexName, idx.ValueType)
	}
	return idx.tree.RangeSearch(loKey, hiKey), nil
}

func (m *Manager) get(crate, indexName string) *Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexes[indexKey{crate, indexName}]
}

// GetAllIndexesFromCrate returns every index registered on a crate, used
// by the storage engine to know which indexes to populate on a blind
// insert (spec.md §4.5).
func (m *Manager) GetAllIndexesFromCrate(crate string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := m.byCrate[crate]
	out := make([]*Index, 0, len(names))
	for name := range names {
		out = append(out, m.indexes[indexKey{crate, name}])
	}
	return out
}

// LoadIndexesFromDisk reconstructs index definitions (not their tree
// contents, which are rebuilt by a separate scan — spec.md §4.5 is
// explicit that this is not a fast path).
func (m *Manager) LoadIndexesFromDisk() error {
	entries, err := os.ReadDir(m.indexesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("index: read indexes directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		def, err := readDefinition(m.indexesPath, e.Name())
		if err != nil {
			continue
		}
		key := indexKey{def.CrateName, def.IndexName}
		m.indexes[key] = &Index{Definition: def, tree: btree.New(def.Order, def.SortOrder, def.Unique, def.ValueType)}
		if m.byCrate[def.CrateName] == nil {
			m.byCrate[def.CrateName] = make(map[string]struct{})
		}
		m.byCrate[def.CrateName][def.IndexName] = struct{}{}
	}
	return nil
}

// FieldNameFor resolves the source document field that feeds indexName
// on crate, or "" if it is not registered.
func (m *Manager) FieldNameFor(crate, indexName string) string {
	idx := m.get(crate, indexName)
	if idx == nil {
		return ""
	}
	return idx.FieldName
}

// KeyTypeFor maps a codec FieldType onto the equivalent btree.KeyType,
// used by the storage engine to type-check a document field against an
// index's declared ValueType before building an index entry.
func KeyTypeFor(t document.FieldType) (btree.KeyType, bool) {
	switch t {
	case document.TypeString:
		return btree.KeyString, true
	case document.TypeInt:
		return btree.KeyInt32, true
	case document.TypeLong:
		return btree.KeyInt64, true
	case document.TypeFloat:
		return btree.KeyFloat32, true
	case document.TypeDouble:
		return btree.KeyFloat64, true
	case document.TypeBoolean:
		return btree.KeyBool, true
	default:
		return 0, false
	}
}

func writeDefinition(dir string, def Definition) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("index: create indexes directory: %w", err)
	}
	path := dir + "/" + def.CrateName + "__" + def.IndexName + ".index"
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("index: create definition file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "crateName=%s\n", def.CrateName)
	fmt.Fprintf(w, "indexName=%s\n", def.IndexName)
	fmt.Fprintf(w, "fieldName=%s\n", def.FieldName)
	fmt.Fprintf(w, "bsonType=%s\n", def.ValueType)
	fmt.Fprintf(w, "unique=%t\n", def.Unique)
	fmt.Fprintf(w, "order=%d\n", def.Order)
	sortOrder := "ASC"
	if def.SortOrder == btree.Desc {
		sortOrder = "DESC"
	}
	fmt.Fprintf(w, "sortOrder=%s\n", sortOrder)
	return w.Flush()
}

func readDefinition(dir, name string) (Definition, error) {
	f, err := os.Open(dir + "/" + name)
	if err != nil {
		return Definition{}, err
	}
	defer f.Close()

	fields := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		for i := 0; i < len(line); i++ {
			if line[i] == '=' {
				fields[line[:i]] = line[i+1:]
				break
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Definition{}, err
	}

	order, _ := strconv.Atoi(fields["order"])
	sortOrder := btree.Asc
	if fields["sortOrder"] == "DESC" {
		sortOrder = btree.Desc
	}
	return Definition{
		CrateName: fields["crateName"],
		IndexName: fields["indexName"],
		FieldName: fields["fieldName"],
		ValueType: bsonTypeFromString(fields["bsonType"]),
		Unique:    fields["unique"] == "true",
		Order:     order,
		SortOrder: sortOrder,
	}, nil
}

func bsonTypeFromString(s string) btree.KeyType {
	switch s {
	case "STRING":
		return btree.KeyString
	case "INT":
		return btree.KeyInt32
	case "LONG":
		return btree.KeyInt64
	case "FLOAT":
		return btree.KeyFloat32
	case "DOUBLE":
		return btree.KeyFloat64
	case "BOOLEAN":
		return btree.KeyBool
	default:
		return 0
	}
}
