package pagemanager

import (
	"encoding/binary"
	"fmt"
)

// MetadataMagic identifies a valid metadata file (spec.md §3/§6).
const MetadataMagic int32 = 0x43525553

// MetadataVersion is the only version this engine writes or accepts.
const MetadataVersion uint8 = 1

// MetadataSize is the fixed byte width of a metadata record: magic(4) +
// version(1) + lastPageId(8) + reserved(4).
const MetadataSize = 4 + 1 + 8 + 4

// Metadata is the single record persisted in the metadata file.
type Metadata struct {
	Magic      int32
	Version    uint8
	LastPageID int64
	Reserved   int32
}

// NewMetadata returns a fresh metadata record with no pages allocated
// yet (lastPageId = -1, matching the "page 0 is reserved-but-present"
// convention of spec.md §6 once the first page is allocated).
func NewMetadata() Metadata {
	return Metadata{Magic: MetadataMagic, Version: MetadataVersion, LastPageID: -1}
}

// Encode serializes a metadata record to its fixed 17-byte wire form.
func (m Metadata) Encode() []byte {
	buf := make([]byte, MetadataSize)
	binary.BigEndian.PutUint32(buf[0:], uint32(m.Magic))
	buf[4] = m.Version
	binary.BigEndian.PutUint64(buf[5:], uint64(m.LastPageID))
	binary.BigEndian.PutUint32(buf[13:], uint32(m.Reserved))
	return buf
}

// DecodeMetadata parses a metadata record, rejecting bad magic/version
// as corruption (spec.md §7 "Corruption").
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) < MetadataSize {
		return Metadata{}, fmt.Errorf("pagemanager: metadata record is %d bytes, need %d", len(data), MetadataSize)
	}
	m := Metadata{
		Magic:      int32(binary.BigEndian.Uint32(data[0:])),
		Version:    data[4],
		LastPageID: int64(binary.BigEndian.Uint64(data[5:])),
		Reserved:   int32(binary.BigEndian.Uint32(data[13:])),
	}
	if m.Magic != MetadataMagic {
		return Metadata{}, fmt.Errorf("pagemanager: bad metadata magic 0x%08x", uint32(m.Magic))
	}
	if m.Version != MetadataVersion {
		return Metadata{}, fmt.Errorf("pagemanager: unsupported metadata version %d", m.Version)
	}
	return m, nil
}

// writeMetadataAtomic rewrites the metadata file by truncating to zero
// and writing the full record, per spec.md §5's "partial writes to the
// metadata file are avoided by truncate-then-write".
func writeMetadataAtomic(f StorageFile, m Metadata) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("pagemanager: truncate metadata: %w", err)
	}
	if _, err := f.WriteAt(m.Encode(), 0); err != nil {
		return fmt.Errorf("pagemanager: write metadata: %w", err)
	}
	return f.Sync()
}

func readMetadata(f StorageFile) (Metadata, error) {
	buf := make([]byte, MetadataSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Metadata{}, fmt.Errorf("pagemanager: read metadata: %w", err)
	}
	return DecodeMetadata(buf)
}
