// Package storageengine is the single façade the rest of the system
// uses to read and write documents: for each operation it appends to
// the journal, performs the page-layer effect, then updates matching
// indexes, in that order (spec.md §4.7, §5 ordering guarantee).
package storageengine

import (
	"fmt"
	"log"
	"sync"

	"github.com/crushdb/crushdb/document"
	"github.com/crushdb/crushdb/index"
	"github.com/crushdb/crushdb/journal"
	"github.com/crushdb/crushdb/page"
	"github.com/crushdb/crushdb/pagemanager"
)

// Engine holds its collaborators by reference as an explicit set of
// fields rather than as package-level singletons (spec.md §9 "Global
// singletons ... recast as an explicit Context"). The teacher's
// storage/index packages are themselves already instance-based, so this
// is mostly already their shape.
type Engine struct {
	Pages   *pagemanager.PageManager
	Indexes *index.Manager
	Journal *journal.Journal
	Logger  *log.Logger

	mu         sync.Mutex
	cratePages map[string]map[uint64]struct{}
	nowMillis  func() int64
}

// New builds an Engine over already-opened collaborators. nowMillis lets
// tests supply a deterministic clock.
func New(pages *pagemanager.PageManager, indexes *index.Manager, jn *journal.Journal, logger *log.Logger, nowMillis func() int64) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		Pages:      pages,
		Indexes:    indexes,
		Journal:    jn,
		Logger:     logger,
		cratePages: make(map[string]map[uint64]struct{}),
		nowMillis:  nowMillis,
	}
}

// Insert journals a WRITE, writes the page-layer document, then, for
// every index registered on crate whose fieldName is present in the
// document, builds an entry from (doc[field], doc.pageId, doc.offset)
// and inserts it (spec.md §4.7).
func (e *Engine) Insert(crate string, docID uint64, fields *document.Document) (*page.Document, error) {
	return e.InsertWithIndexes(crate, docID, fields, e.Indexes.GetAllIndexesFromCrate(crate))
}

// InsertWithIndexes is Insert scoped to an explicit subset of indexes.
func (e *Engine) InsertWithIndexes(crate string, docID uint64, fields *document.Document, indexes []*index.Index) (*page.Document, error) {
	if err := e.Journal.Append(journal.Entry{
		TimestampMillis: e.nowMillis(),
		Op:              journal.Write,
		Crate:           crate,
		DocumentID:      docID,
	}); err != nil {
		return nil, err
	}

	doc := &page.Document{ID: docID, Fields: fields}
	if err := e.Pages.InsertDocument(doc); err != nil {
		return nil, err
	}
	e.trackCratePage(crate, doc.PageID)

	for _, idx := range indexes {
		value, ok := fields.Get(idx.FieldName)
		if !ok {
			continue
		}
		if err := e.Indexes.Insert(crate, idx.IndexName, value, doc.Ref()); err != nil {
			return doc, fmt.Errorf("storageengine: index %s.%s: %w", crate, idx.IndexName, err)
		}
	}
	return doc, nil
}

// Delete journals a DELETE entry then tombstones the document at ref
// (spec.md §3 "destroyed by tombstone marking, later compaction"; §4.6
// journal DELETE entries). Space is reclaimed later by CompactCrate, not
// by this call.
func (e *Engine) Delete(crate string, docID uint64, ref page.Reference) (bool, error) {
	if err := e.Journal.Append(journal.Entry{
		TimestampMillis: e.nowMillis(),
		Op:              journal.Delete,
		Crate:           crate,
		DocumentID:      docID,
	}); err != nil {
		return false, err
	}
	return e.Pages.DeleteDocument(ref, docID, e.nowMillis())
}

// CompactCrate sweeps every page this engine has ever written to on
// behalf of crate through PageManager.CompactPages, gated by
// graceMillis (spec.md §6 `tombstoneGc`). Supplements spec.md §4.2's
// per-page CompactPage with the crate-wide driver spec.md §9 leaves
// unspecified, grounded on the teacher's VacuumCollection
// (storage/pager.go).
func (e *Engine) CompactCrate(crate string, graceMillis int64) (int, error) {
	e.mu.Lock()
	pageIDs := make([]uint64, 0, len(e.cratePages[crate]))
	for id := range e.cratePages[crate] {
		pageIDs = append(pageIDs, id)
	}
	e.mu.Unlock()
	return e.Pages.CompactPages(pageIDs, graceMillis, e.nowMillis())
}

// Find type-checks value against indexName's declared type, resolves
// matching references, and retrieves each document. A missing index
// returns an empty result, per spec.md §4.7.
func (e *Engine) Find(crate, indexName string, value interface{}) ([]*page.Document, error) {
	refs, err := e.Indexes.Search(crate, indexName, value)
	if err != nil {
		return nil, err
	}
	return e.retrieveAll(refs)
}

// RangeFind type-checks both bounds, performs the tree range search,
// and retrieves every matching document.
func (e *Engine) RangeFind(crate, indexName string, lo, hi interface{}) ([]*page.Document, error) {
	refs, err := e.Indexes.RangeSearch(crate, indexName, lo, hi)
	if err != nil {
		return nil, err
	}
	return e.retrieveAll(refs)
}

func (e *Engine) retrieveAll(refs []page.Reference) ([]*page.Document, error) {
	out := make([]*page.Document, 0, len(refs))
	for _, ref := range refs {
		doc, err := e.Pages.RetrieveDocument(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Scan is the fallback linear scan over in-memory pages only (spec.md
// §4.7, §9 "scan only examines pages currently in the LRU cache").
// Pages are attributed to a crate by Insert's own bookkeeping (the page
// manager itself is crate-agnostic, so an out-of-cache page for this
// crate is silently skipped, same as the cache-only limitation spec.md
// §9 leaves open).
func (e *Engine) Scan(crate, field string, value interface{}) ([]*page.Document, error) {
	e.Logger.Printf("storageengine: scan fallback on crate %s field %s — an index is recommended", crate, field)

	e.mu.Lock()
	pageIDs := make([]uint64, 0, len(e.cratePages[crate]))
	for id := range e.cratePages[crate] {
		pageIDs = append(pageIDs, id)
	}
	e.mu.Unlock()

	var out []*page.Document
	for _, id := range pageIDs {
		p, ok := e.Pages.CachedPage(id)
		if !ok {
			continue
		}
		matches, err := scanPageForField(p, field, value)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

func scanPageForField(p *page.Page, field string, value interface{}) ([]*page.Document, error) {
	var out []*page.Document
	err := p.ForEachActiveDocument(func(doc *page.Document) {
		v, ok := doc.Fields.Get(field)
		if ok && v == value {
			out = append(out, doc)
		}
	})
	return out, err
}

func (e *Engine) trackCratePage(crate string, pageID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cratePages[crate] == nil {
		e.cratePages[crate] = make(map[uint64]struct{})
	}
	e.cratePages[crate][pageID] = struct{}{}
}
