package pagemanager

import "fmt"

// CompactPages compacts each of the given pages in place (dropping
// tombstoned frames) and flushes the result, but only once a page's
// oldest pending tombstone has aged past graceMillis (spec.md §6
// `tombstoneGc`). A page with no pending tombstone (TombstonedAt == 0)
// or whose tombstone is still too young is left untouched and not
// counted as compacted. This supplements spec.md §4.3, which specifies
// CompactPage at the single-page level but leaves "who calls it and
// when" to the caller; grounded on the teacher's VacuumCollection
// (storage/pager.go) for the crate-wide sweep shape, without inventing
// an automatic background scheduler the spec never asked for — a caller
// (e.g. storageengine.Engine.CompactCrate) decides when to run this.
func (pm *PageManager) CompactPages(pageIDs []uint64, graceMillis, nowMillis int64) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	compacted := 0
	for _, id := range pageIDs {
		p, ok := pm.cache.get(id)
		if !ok {
			loaded, err := pm.loadPageFromDisk(id)
			if err != nil {
				return compacted, fmt.Errorf("pagemanager: compact page %d: %w", id, err)
			}
			p = loaded
		}
		if p.TombstonedAt == 0 {
			continue
		}
		if nowMillis-p.TombstonedAt < graceMillis {
			continue
		}
		if err := p.CompactPage(); err != nil {
			return compacted, fmt.Errorf("pagemanager: compact page %d: %w", id, err)
		}
		if err := pm.flushLocked(p); err != nil {
			return compacted, err
		}
		compacted++
	}
	return compacted, nil
}
