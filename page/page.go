// Package page implements the slotted, fixed-size page: a 4 KiB container
// for documents with a fixed-width header, tombstone-then-compact
// deletion, splitting, and optional per-document snappy compression.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/crushdb/crushdb/document"
)

// Magic identifies a page written by this engine.
const Magic uint32 = 0x50414745 // "PAGE"

// DefaultSize is the default page size in bytes (spec.md §6 `pageSize`).
const DefaultSize = 4096

// HeaderSize is the fixed byte width of a page header:
// magic(4) + pageId(8) + numDocuments(4) + headerSize(2) + prev(8) +
// next(8) + available(4) + compressed-flag(1).
const HeaderSize = 4 + 8 + 4 + 2 + 8 + 8 + 4 + 1

const (
	offMagic        = 0
	offPageID       = 4
	offNumDocuments = 12
	offHeaderSize   = 16
	offPrev         = 18
	offNext         = 26
	offAvailable    = 34
	offCompressed   = 38
)

// frameMetaSize is the fixed width of a per-document frame's metadata,
// excluding the body: documentId(8) + pageId(8) + decompressedSize(4) +
// compressedSize(4) + deletedFlag(1).
const frameMetaSize = 8 + 8 + 4 + 4 + 1

const (
	flagTombstone byte = 0
	flagActive    byte = 1
)

// NoSibling is the sentinel stored in prev/next when a page has no
// neighbor on that side.
const NoSibling int64 = -1

// Reference is a PageOffsetReference: the only currency an index stores.
// It is a value type, issued by a page at insert time.
type Reference struct {
	PageID uint64
	Offset uint32
}

// Document is a document bound at rest to a page and offset (spec.md §3).
type Document struct {
	ID               uint64
	PageID           uint64
	Offset           uint32
	Fields           *document.Document
	DecompressedSize uint32
	CompressedSize   uint32 // 0 when not compressed
	Deleted          bool
}

// Ref returns the PageOffsetReference for this document's current
// location. Valid only once the document has been inserted into a page.
func (d *Document) Ref() Reference {
	return Reference{PageID: d.PageID, Offset: d.Offset}
}

// Page is an in-memory, mutable view over exactly `len(Data)` bytes of
// on-disk page layout.
type Page struct {
	Data  []byte
	Dirty bool // in-memory only; never serialized

	// TombstonedAt is the millisecond timestamp at which this page's
	// oldest still-pending tombstone was recorded, or 0 if the page
	// currently holds no tombstones. In-memory only, like Dirty — it
	// gates tombstoneGc eligibility (spec.md §6, §9) and is reset by
	// CompactPage.
	TombstonedAt int64
}

// New allocates a fresh, empty page of the given size.
func New(pageSize uint32, pageID uint64) *Page {
	p := &Page{Data: make([]byte, pageSize), Dirty: true}
	binary.BigEndian.PutUint32(p.Data[offMagic:], Magic)
	binary.BigEndian.PutUint64(p.Data[offPageID:], pageID)
	binary.BigEndian.PutUint16(p.Data[offHeaderSize:], HeaderSize)
	binary.BigEndian.PutUint64(p.Data[offPrev:], uint64(NoSibling))
	binary.BigEndian.PutUint64(p.Data[offNext:], uint64(NoSibling))
	binary.BigEndian.PutUint32(p.Data[offAvailable:], pageSize-HeaderSize)
	return p
}

// Load wraps an existing byte slice (e.g. read from disk) as a Page,
// validating its magic number.
func Load(data []byte) (*Page, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("page: corrupt page, only %d bytes (need >= %d)", len(data), HeaderSize)
	}
	if m := binary.BigEndian.Uint32(data[offMagic:]); m != Magic {
		return nil, fmt.Errorf("page: bad magic 0x%08x", m)
	}
	return &Page{Data: data}, nil
}

func (p *Page) PageID() uint64       { return binary.BigEndian.Uint64(p.Data[offPageID:]) }
func (p *Page) NumDocuments() uint32 { return binary.BigEndian.Uint32(p.Data[offNumDocuments:]) }
func (p *Page) HeaderSize() uint16   { return binary.BigEndian.Uint16(p.Data[offHeaderSize:]) }
func (p *Page) Prev() int64          { return int64(binary.BigEndian.Uint64(p.Data[offPrev:])) }
func (p *Page) Next() int64          { return int64(binary.BigEndian.Uint64(p.Data[offNext:])) }
func (p *Page) Available() uint32    { return binary.BigEndian.Uint32(p.Data[offAvailable:]) }
func (p *Page) Compressed() bool     { return p.Data[offCompressed] != 0 }

func (p *Page) setNumDocuments(n uint32) { binary.BigEndian.PutUint32(p.Data[offNumDocuments:], n) }
func (p *Page) setAvailable(n uint32)    { binary.BigEndian.PutUint32(p.Data[offAvailable:], n) }
func (p *Page) setCompressed(v bool) {
	if v {
		p.Data[offCompressed] = 1
	} else {
		p.Data[offCompressed] = 0
	}
}

// SetPrev sets the previous-sibling page id (NoSibling if none).
func (p *Page) SetPrev(id int64) {
	binary.BigEndian.PutUint64(p.Data[offPrev:], uint64(id))
	p.Dirty = true
}

// SetNext sets the next-sibling page id (NoSibling if none).
func (p *Page) SetNext(id int64) {
	binary.BigEndian.PutUint64(p.Data[offNext:], uint64(id))
	p.Dirty = true
}

func (p *Page) occupied() uint32 {
	return uint32(len(p.Data)) - p.Available()
}

// HasSpaceFor reports whether a document of the given decompressed size
// could be inserted without exceeding the page's available space.
func (p *Page) HasSpaceFor(decompressedSize uint32) bool {
	return p.Available() >= frameMetaSize+decompressedSize
}

// InsertDocument appends doc's frame at the page's cursor. If
// autoCompress is set the body is compressed first, and compressedSize
// is recorded only when compression actually shrinks the body (spec.md
// §4.2/§4.3). Sets doc.PageID and doc.Offset to this page and the
// frame's starting offset.
func (p *Page) InsertDocument(doc *Document, autoCompress bool) error {
	body, err := doc.Fields.Encode()
	if err != nil {
		return fmt.Errorf("page: encode document %d: %w", doc.ID, err)
	}
	decompressedSize := uint32(len(body))
	storeBody := body
	compressedSize := uint32(0)
	if autoCompress {
		compressed := snappy.Encode(nil, body)
		if uint32(len(compressed)) < decompressedSize {
			storeBody = compressed
			compressedSize = uint32(len(compressed))
		}
	}
	if !p.HasSpaceFor(decompressedSize) {
		return fmt.Errorf("page %d: no space for document %d (%d bytes needed, %d available)",
			p.PageID(), doc.ID, frameMetaSize+decompressedSize, p.Available())
	}

	off := uint32(len(p.Data)) - p.Available()
	buf := p.Data[off:]
	binary.BigEndian.PutUint64(buf, doc.ID)
	binary.BigEndian.PutUint64(buf[8:], p.PageID())
	binary.BigEndian.PutUint32(buf[16:], decompressedSize)
	binary.BigEndian.PutUint32(buf[20:], compressedSize)
	buf[24] = flagActive
	copy(buf[frameMetaSize:], storeBody)

	used := frameMetaSize + uint32(len(storeBody))
	p.setAvailable(p.Available() - used)
	p.setNumDocuments(p.NumDocuments() + 1)
	p.Dirty = true

	doc.PageID = p.PageID()
	doc.Offset = off
	doc.DecompressedSize = decompressedSize
	doc.CompressedSize = compressedSize
	doc.Deleted = false
	return nil
}

// frame is a parsed view of one on-disk document frame.
type frame struct {
	docID            uint64
	pageID           uint64
	decompressedSize uint32
	compressedSize   uint32
	deleted          bool
	bodyOff          uint32
	bodyLen          uint32
}

func (p *Page) parseFrameAt(off uint32) (frame, error) {
	if int(off)+frameMetaSize > len(p.Data) {
		return frame{}, fmt.Errorf("page %d: frame offset %d out of bounds", p.PageID(), off)
	}
	buf := p.Data[off:]
	f := frame{
		docID:            binary.BigEndian.Uint64(buf),
		pageID:           binary.BigEndian.Uint64(buf[8:]),
		decompressedSize: binary.BigEndian.Uint32(buf[16:]),
		compressedSize:   binary.BigEndian.Uint32(buf[20:]),
		deleted:          buf[24] == flagTombstone,
	}
	f.bodyLen = f.decompressedSize
	if f.compressedSize > 0 {
		f.bodyLen = f.compressedSize
	}
	f.bodyOff = off + frameMetaSize
	if int(f.bodyOff)+int(f.bodyLen) > len(p.Data) {
		return frame{}, fmt.Errorf("page %d: frame at offset %d overruns page", p.PageID(), off)
	}
	return f, nil
}

func (p *Page) decodeFrame(f frame) (*Document, error) {
	body := p.Data[f.bodyOff : f.bodyOff+f.bodyLen]
	if f.compressedSize > 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("page %d: snappy decode document %d: %w", p.PageID(), f.docID, err)
		}
		body = decoded
	}
	fields, err := document.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("page %d: decode document %d: %w", p.PageID(), f.docID, err)
	}
	return &Document{
		ID:               f.docID,
		PageID:           f.pageID,
		Offset:           f.bodyOff - frameMetaSize,
		Fields:           fields,
		DecompressedSize: f.decompressedSize,
		CompressedSize:   f.compressedSize,
		Deleted:          f.deleted,
	}, nil
}

// forEachFrame walks every frame in append order, stopping early if fn
// returns false.
func (p *Page) forEachFrame(fn func(off uint32, f frame) (cont bool, err error)) error {
	off := uint32(p.HeaderSize())
	end := uint32(len(p.Data)) - p.Available()
	for off < end {
		f, err := p.parseFrameAt(off)
		if err != nil {
			return err
		}
		cont, err := fn(off, f)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		off = f.bodyOff + f.bodyLen
	}
	return nil
}

// ForEachActiveDocument decodes and visits every non-tombstoned
// document on the page, in append order. Used by fallback scans.
func (p *Page) ForEachActiveDocument(fn func(doc *Document)) error {
	return p.forEachFrame(func(off uint32, f frame) (bool, error) {
		if f.deleted {
			return true, nil
		}
		doc, err := p.decodeFrame(f)
		if err != nil {
			return false, err
		}
		fn(doc)
		return true, nil
	})
}

// RetrieveDocument linearly scans frames for the first active frame
// matching docID, skipping tombstones.
func (p *Page) RetrieveDocument(docID uint64) (*Document, bool, error) {
	var found *Document
	err := p.forEachFrame(func(off uint32, f frame) (bool, error) {
		if f.deleted || f.docID != docID {
			return true, nil
		}
		doc, err := p.decodeFrame(f)
		if err != nil {
			return false, err
		}
		found = doc
		return false, nil
	})
	if err != nil {
		return nil, false, err
	}
	return found, found != nil, nil
}

// ReadDocumentAtOffset decodes the frame starting at offset directly,
// without scanning for a matching id. Used by index-driven reads.
func (p *Page) ReadDocumentAtOffset(offset uint32) (*Document, error) {
	f, err := p.parseFrameAt(offset)
	if err != nil {
		return nil, err
	}
	return p.decodeFrame(f)
}

// DeleteDocument flips the frame's deletedFlag to a tombstone. Space is
// not reclaimed until CompactPage. Returns false if docID is not present
// (or already tombstoned). nowMillis stamps TombstonedAt the first time
// a page acquires a pending tombstone, gating when CompactPages is
// allowed to reclaim it (spec.md §6 `tombstoneGc`).
func (p *Page) DeleteDocument(docID uint64, nowMillis int64) (bool, error) {
	deleted := false
	err := p.forEachFrame(func(off uint32, f frame) (bool, error) {
		if f.deleted || f.docID != docID {
			return true, nil
		}
		p.Data[off+24] = flagTombstone
		p.setNumDocuments(p.NumDocuments() - 1)
		p.Dirty = true
		if p.TombstonedAt == 0 {
			p.TombstonedAt = nowMillis
		}
		deleted = true
		return false, nil
	})
	return deleted, err
}

// CompactPage rewrites the page in place, dropping tombstoned frames and
// preserving the order of surviving active documents. Offsets of
// surviving documents change; callers holding cached references must
// re-resolve them via the index.
func (p *Page) CompactPage() error {
	type kept struct {
		docID, pageID                     uint64
		decompressedSize, compressedSize  uint32
		body                               []byte
	}
	var survivors []kept
	err := p.forEachFrame(func(off uint32, f frame) (bool, error) {
		if !f.deleted {
			body := make([]byte, f.bodyLen)
			copy(body, p.Data[f.bodyOff:f.bodyOff+f.bodyLen])
			survivors = append(survivors, kept{f.docID, f.pageID, f.decompressedSize, f.compressedSize, body})
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	hdr := uint32(p.HeaderSize())
	pageSize := uint32(len(p.Data))
	for i := hdr; i < pageSize; i++ {
		p.Data[i] = 0
	}

	off := hdr
	for _, s := range survivors {
		buf := p.Data[off:]
		binary.BigEndian.PutUint64(buf, s.docID)
		binary.BigEndian.PutUint64(buf[8:], s.pageID)
		binary.BigEndian.PutUint32(buf[16:], s.decompressedSize)
		binary.BigEndian.PutUint32(buf[20:], s.compressedSize)
		buf[24] = flagActive
		copy(buf[frameMetaSize:], s.body)
		off += frameMetaSize + uint32(len(s.body))
	}

	p.setNumDocuments(uint32(len(survivors)))
	p.setAvailable(pageSize - off)
	p.Dirty = true
	p.TombstonedAt = 0
	return nil
}

// SplitPage moves the rightmost ceil(active/2) documents of an
// already-compacted page into newPage (freshly allocated, empty, with
// the same size), then relinks the doubly-linked sibling chain so
// p.Next = newPage.PageID, newPage.Prev = p.PageID, and newPage inherits
// p's former Next (updating that page's Prev is the caller's
// responsibility, since this page does not have access to it).
func (p *Page) SplitPage(newPage *Page) error {
	type kept struct {
		docID, pageID                    uint64
		decompressedSize, compressedSize uint32
		body                              []byte
	}
	var all []kept
	err := p.forEachFrame(func(off uint32, f frame) (bool, error) {
		if f.deleted {
			return true, fmt.Errorf("page %d: SplitPage requires a compacted page (tombstone at offset %d)", p.PageID(), off)
		}
		body := make([]byte, f.bodyLen)
		copy(body, p.Data[f.bodyOff:f.bodyOff+f.bodyLen])
		all = append(all, kept{f.docID, f.pageID, f.decompressedSize, f.compressedSize, body})
		return true, nil
	})
	if err != nil {
		return err
	}

	moveCount := (len(all) + 1) / 2 // ceil(active/2)
	splitAt := len(all) - moveCount
	left, right := all[:splitAt], all[splitAt:]

	writeAll := func(pg *Page, docs []kept) {
		hdr := uint32(pg.HeaderSize())
		pageSize := uint32(len(pg.Data))
		for i := hdr; i < pageSize; i++ {
			pg.Data[i] = 0
		}
		off := hdr
		for _, s := range docs {
			buf := pg.Data[off:]
			binary.BigEndian.PutUint64(buf, s.docID)
			binary.BigEndian.PutUint64(buf[8:], pg.PageID())
			binary.BigEndian.PutUint32(buf[16:], s.decompressedSize)
			binary.BigEndian.PutUint32(buf[20:], s.compressedSize)
			buf[24] = flagActive
			copy(buf[frameMetaSize:], s.body)
			off += frameMetaSize + uint32(len(s.body))
		}
		pg.setNumDocuments(uint32(len(docs)))
		pg.setAvailable(pageSize - off)
		pg.Dirty = true
	}

	formerNext := p.Next()
	writeAll(p, left)
	writeAll(newPage, right)

	p.SetNext(int64(newPage.PageID()))
	newPage.SetPrev(int64(p.PageID()))
	newPage.SetNext(formerNext)
	return nil
}

// ErrAlreadyDecompressed is returned by DecompressPage when the page's
// compressed-flag is already clear.
type ErrAlreadyDecompressed struct{ PageID uint64 }

func (e *ErrAlreadyDecompressed) Error() string {
	return fmt.Sprintf("page %d: already decompressed", e.PageID)
}

// CompressPage compresses every active document's body with snappy,
// skipping frames where compression would not shrink the body.
func (p *Page) CompressPage() error {
	return p.rewriteBodies(true)
}

// DecompressPage reverses CompressPage. Calling it on a page whose
// compressed-flag is already clear is a hard error naming the page id.
func (p *Page) DecompressPage() error {
	if !p.Compressed() {
		return &ErrAlreadyDecompressed{PageID: p.PageID()}
	}
	return p.rewriteBodies(false)
}

func (p *Page) rewriteBodies(compress bool) error {
	type rewritten struct {
		docID, pageID                    uint64
		decompressedSize, compressedSize uint32
		deleted                           bool
		body                              []byte
	}
	var frames []rewritten
	err := p.forEachFrame(func(off uint32, f frame) (bool, error) {
		raw := p.Data[f.bodyOff : f.bodyOff+f.bodyLen]
		var newBody []byte
		newCompressedSize := uint32(0)
		if compress {
			if f.compressedSize > 0 {
				return false, fmt.Errorf("page %d: document %d is already compressed", p.PageID(), f.docID)
			}
			candidate := snappy.Encode(nil, raw)
			if uint32(len(candidate)) < f.decompressedSize {
				newBody = candidate
				newCompressedSize = uint32(len(candidate))
			} else {
				newBody = raw
			}
		} else {
			if f.compressedSize == 0 {
				newBody = raw
			} else {
				decoded, err := snappy.Decode(nil, raw)
				if err != nil {
					return false, fmt.Errorf("page %d: snappy decode document %d: %w", p.PageID(), f.docID, err)
				}
				newBody = decoded
			}
		}
		buf := make([]byte, len(newBody))
		copy(buf, newBody)
		frames = append(frames, rewritten{f.docID, f.pageID, f.decompressedSize, newCompressedSize, f.deleted, buf})
		return true, nil
	})
	if err != nil {
		return err
	}

	hdr := uint32(p.HeaderSize())
	pageSize := uint32(len(p.Data))
	for i := hdr; i < pageSize; i++ {
		p.Data[i] = 0
	}
	off := hdr
	for _, s := range frames {
		buf := p.Data[off:]
		binary.BigEndian.PutUint64(buf, s.docID)
		binary.BigEndian.PutUint64(buf[8:], s.pageID)
		binary.BigEndian.PutUint32(buf[16:], s.decompressedSize)
		binary.BigEndian.PutUint32(buf[20:], s.compressedSize)
		if s.deleted {
			buf[24] = flagTombstone
		} else {
			buf[24] = flagActive
		}
		copy(buf[frameMetaSize:], s.body)
		off += frameMetaSize + uint32(len(s.body))
	}
	p.setAvailable(pageSize - off)
	p.setCompressed(compress)
	p.Dirty = true
	return nil
}
