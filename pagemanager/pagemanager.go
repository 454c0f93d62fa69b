// Package pagemanager owns the data file, the metadata file, and the
// page cache: the layer between raw bytes on disk and the page package's
// in-memory page views (spec.md §4.3).
package pagemanager

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/crushdb/crushdb/page"
)

// ErrPageNotFound is the sentinel spec.md §7 calls "page not found": a
// cache miss with no (or a partial) on-disk page.
var ErrPageNotFound = errors.New("pagemanager: page not found")

// Options configures a PageManager. Zero values fall back to spec.md §6
// defaults.
type Options struct {
	PageSize             uint32
	CacheMaxPages        int
	CacheMemoryLimitMB   int
	EagerLoadPages       bool
	AutoCompressOnInsert bool
	Logger               *log.Logger
}

// PageManager is the process's single handle onto the data and metadata
// files (spec.md §4.3). Grounded on the teacher's *storage.Pager, split
// into its own package because the teacher bundled page I/O, indexing,
// and WAL into one type where spec.md keeps them as separate components.
type PageManager struct {
	mu sync.Mutex

	data StorageFile
	meta StorageFile

	pageSize             uint32
	autoCompressOnInsert bool

	metadata   Metadata
	lastPageID int64

	writable map[uint64]struct{}
	cache    *lruCache

	logger *log.Logger
}

// Open loads (or initializes) the metadata file and returns a ready
// PageManager backed by the given data/meta files.
func Open(data, meta StorageFile, opts Options) (*PageManager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = page.DefaultSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	info, err := meta.Stat()
	if err != nil {
		return nil, fmt.Errorf("pagemanager: stat metadata: %w", err)
	}

	var m Metadata
	if info.Size() == 0 {
		if opts.EagerLoadPages {
			return nil, fmt.Errorf("pagemanager: eager load requested but the metadata file is empty")
		}
		m = NewMetadata()
		if err := writeMetadataAtomic(meta, m); err != nil {
			return nil, err
		}
	} else {
		m, err = readMetadata(meta)
		if err != nil {
			return nil, fmt.Errorf("pagemanager: %w", err)
		}
	}

	capacity := opts.CacheMaxPages
	if opts.CacheMemoryLimitMB > 0 {
		capacity = (opts.CacheMemoryLimitMB * 1024 * 1024) / int(pageSize)
	}

	pm := &PageManager{
		data:                 data,
		meta:                 meta,
		pageSize:             pageSize,
		autoCompressOnInsert: opts.AutoCompressOnInsert,
		metadata:             m,
		lastPageID:           m.LastPageID,
		writable:             make(map[uint64]struct{}),
		logger:               logger,
	}
	pm.cache = newLRUCache(capacity, pm.flushLocked)

	if opts.EagerLoadPages {
		if err := pm.loadAllPagesOnStartup(); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

// loadAllPagesOnStartup loads pages 0..lastPageId into the cache
// (spec.md §4.3). A missing metadata record when eager-loading is
// requested is fatal per spec.md §4.3's error table; Open rejects that
// case before calling this.
func (pm *PageManager) loadAllPagesOnStartup() error {
	for id := int64(0); id <= pm.lastPageID; id++ {
		if _, err := pm.loadPageFromDisk(uint64(id)); err != nil {
			return fmt.Errorf("pagemanager: eager load page %d: %w", id, err)
		}
	}
	return nil
}

// hasSpaceForLocked finds a page in the writable set with room for a document
// of the given size, dropping any that no longer qualify.
func (pm *PageManager) hasSpaceForLocked(size uint32) (*page.Page, bool) {
	for id := range pm.writable {
		p, ok := pm.cache.get(id)
		if !ok {
			delete(pm.writable, id)
			continue
		}
		if p.HasSpaceFor(size) {
			return p, true
		}
		delete(pm.writable, id)
	}
	return nil, false
}

// InsertDocument obtains a writable page (or allocates a new one) and
// delegates the write to it, per spec.md §4.3.
func (pm *PageManager) InsertDocument(doc *page.Document) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	body, err := doc.Fields.Encode()
	if err != nil {
		return fmt.Errorf("pagemanager: encode document %d: %w", doc.ID, err)
	}
	size := uint32(len(body))

	p, ok := pm.hasSpaceForLocked(size)
	if !ok {
		pm.lastPageID++
		p = page.New(pm.pageSize, uint64(pm.lastPageID))
		if err := pm.cache.put(p); err != nil {
			return err
		}
		pm.writable[p.PageID()] = struct{}{}

		pm.metadata.LastPageID = pm.lastPageID
		if err := writeMetadataAtomic(pm.meta, pm.metadata); err != nil {
			return err
		}
	}

	if err := p.InsertDocument(doc, pm.autoCompressOnInsert); err != nil {
		return err
	}
	return nil
}

// RetrieveDocument resolves a page-offset reference to its document,
// stamping pageId/offset on the result (spec.md §4.3, §8 invariant). A
// tombstoned frame at ref surfaces as ErrPageNotFound.
func (pm *PageManager) RetrieveDocument(ref page.Reference) (*page.Document, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, ok := pm.cache.get(ref.PageID)
	if !ok {
		loaded, err := pm.loadPageFromDisk(ref.PageID)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	doc, err := p.ReadDocumentAtOffset(ref.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageNotFound, err)
	}
	if doc.Deleted {
		return nil, fmt.Errorf("%w: document %d at page %d offset %d is tombstoned", ErrPageNotFound, doc.ID, ref.PageID, ref.Offset)
	}
	return doc, nil
}

// DeleteDocument tombstones docID on ref's page, stamping the page's
// TombstonedAt (spec.md §6 `tombstoneGc`) if it does not already carry a
// pending tombstone. Grounded on the teacher's MarkDeletedAtomic
// (storage/pager.go): resolve the page under the manager's own lock,
// mutate it, leave it dirty for the next flush.
func (pm *PageManager) DeleteDocument(ref page.Reference, docID uint64, nowMillis int64) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, ok := pm.cache.get(ref.PageID)
	if !ok {
		loaded, err := pm.loadPageFromDisk(ref.PageID)
		if err != nil {
			return false, err
		}
		p = loaded
	}
	return p.DeleteDocument(docID, nowMillis)
}

// loadPageFromDisk reads one page at byte offset pageId*pageSize,
// validates the read, and admits it to the cache. A partial read is
// logged and surfaces as ErrPageNotFound (spec.md §7 "I/O" class).
func (pm *PageManager) loadPageFromDisk(pageID uint64) (*page.Page, error) {
	buf := make([]byte, pm.pageSize)
	off := int64(pageID) * int64(pm.pageSize)
	n, err := pm.data.ReadAt(buf, off)
	if err != nil && n == 0 {
		pm.logger.Printf("pagemanager: read page %d: %v", pageID, err)
		return nil, ErrPageNotFound
	}
	if n != int(pm.pageSize) {
		pm.logger.Printf("pagemanager: partial read of page %d (%d/%d bytes)", pageID, n, pm.pageSize)
		return nil, ErrPageNotFound
	}
	p, err := page.Load(buf)
	if err != nil {
		pm.logger.Printf("pagemanager: corrupt page %d: %v", pageID, err)
		return nil, ErrPageNotFound
	}
	p.Dirty = false
	if err := pm.cache.put(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Flush writes exactly pageSize bytes at pageId*pageSize and clears the
// dirty flag. Called directly for an explicit flush, and by the cache
// on eviction of a dirty entry.
func (pm *PageManager) Flush(p *page.Page) error {
	return pm.flushLocked(p)
}

func (pm *PageManager) flushLocked(p *page.Page) error {
	off := int64(p.PageID()) * int64(pm.pageSize)
	if _, err := pm.data.WriteAt(p.Data, off); err != nil {
		pm.logger.Printf("pagemanager: flush page %d: %v", p.PageID(), err)
		return fmt.Errorf("pagemanager: flush page %d: %w", p.PageID(), err)
	}
	p.Dirty = false
	return nil
}

// FlushAll flushes every dirty page currently cached.
func (pm *PageManager) FlushAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.cache.forEachDirty(pm.flushLocked)
}

// Sync flushes all dirty pages and fsyncs the data file.
func (pm *PageManager) Sync() error {
	if err := pm.FlushAll(); err != nil {
		return err
	}
	return pm.data.Sync()
}

// CachedPage returns a page only if it is currently cache-resident,
// without touching disk. Used by storageengine.Scan, which spec.md §9
// limits to pages "currently in the LRU cache".
func (pm *PageManager) CachedPage(pageID uint64) (*page.Page, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.cache.get(pageID)
}

// CacheStats supplements spec.md §4.3 with the teacher's own
// CacheStats/CacheHitRate accessors (storage/pager.go), useful for
// operational visibility even though spec.md never names them.
func (pm *PageManager) CacheStats() (hits, misses uint64, size, capacity int) {
	return pm.cache.stats()
}

// CacheHitRate returns the fraction of cache lookups that hit, in [0,1].
func (pm *PageManager) CacheHitRate() float64 {
	return pm.cache.hitRate()
}

// LastPageID returns the most recently allocated page id, or -1 if no
// page has been allocated yet.
func (pm *PageManager) LastPageID() int64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lastPageID
}

// Close flushes outstanding writes and releases the underlying files.
func (pm *PageManager) Close() error {
	if err := pm.Sync(); err != nil {
		return err
	}
	if err := pm.data.Close(); err != nil {
		return err
	}
	return pm.meta.Close()
}
