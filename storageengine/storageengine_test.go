package storageengine

import (
	"path/filepath"
	"testing"

	"github.com/crushdb/crushdb/btree"
	"github.com/crushdb/crushdb/document"
	"github.com/crushdb/crushdb/index"
	"github.com/crushdb/crushdb/journal"
	"github.com/crushdb/crushdb/pagemanager"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	pm, err := pagemanager.Open(pagemanager.NewMemFile(), pagemanager.NewMemFile(), pagemanager.Options{})
	if err != nil {
		t.Fatalf("open page manager: %v", err)
	}
	idx := index.NewManager(filepath.Join(dir, "indexes"))
	jn, err := journal.Open(filepath.Join(dir, "crushdb.journal"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	tick := int64(0)
	clock := func() int64 { tick++; return tick }
	return New(pm, idx, jn, nil, clock)
}

func newVehicle(t *testing.T, make_, model string) *document.Document {
	t.Helper()
	d := document.New()
	if err := d.Set("vehicleMake", make_); err != nil {
		t.Fatal(err)
	}
	if err := d.Set("model", model); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestFindScenarioFromSpec(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Indexes.CreateIndex(btree.KeyString, "Vehicle", "make_index", "vehicleMake", false, 3, btree.Asc); err != nil {
		t.Fatalf("create index: %v", err)
	}

	makes := []string{"Subaru", "Subaru", "Tesla", "BMW"}
	for i, make_ := range makes {
		if _, err := e.Insert("Vehicle", uint64(i+1), newVehicle(t, make_, "model")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := e.Find("Vehicle", "make_index", "Subaru")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 Subaru documents, got %d", len(got))
	}

	got, err = e.Find("Vehicle", "make_index", "BMW")
	if err != nil || len(got) != 1 {
		t.Errorf("expected 1 BMW document, got %d (err=%v)", len(got), err)
	}
}

func TestRangeFindScenarioFromSpec(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Indexes.CreateIndex(btree.KeyString, "Vehicle", "make_index", "vehicleMake", false, 3, btree.Asc); err != nil {
		t.Fatalf("create index: %v", err)
	}
	makes := []string{"Subaru", "Subaru", "Tesla", "BMW"}
	for i, make_ := range makes {
		if _, err := e.Insert("Vehicle", uint64(i+1), newVehicle(t, make_, "model")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := e.RangeFind("Vehicle", "make_index", "Acura", "Subaru")
	if err != nil {
		t.Fatalf("range find: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 documents in range, got %d", len(got))
	}
}

func TestScanFallsBackWithoutIndex(t *testing.T) {
	e := newTestEngine(t)
	for i := 1; i <= 3; i++ {
		make_ := "Honda"
		if i == 2 {
			make_ = "Ford"
		}
		if _, err := e.Insert("Vehicle", uint64(i), newVehicle(t, make_, "model")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := e.Scan("Vehicle", "vehicleMake", "Honda")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 Honda documents via scan, got %d", len(got))
	}
}

func TestFindMissingIndexReturnsEmpty(t *testing.T) {
	e := newTestEngine(t)
	got, err := e.Find("Vehicle", "nonexistent_index", "anything")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result for a missing index, got %d", len(got))
	}
}

func TestDeleteTombstonesAndJournalsDelete(t *testing.T) {
	e := newTestEngine(t)
	doc, err := e.Insert("Vehicle", 1, newVehicle(t, "Subaru", "Outback"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := e.Delete("Vehicle", 1, doc.Ref())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !found {
		t.Fatal("expected document 1 to be found for deletion")
	}

	if _, err := e.Pages.RetrieveDocument(doc.Ref()); err == nil {
		t.Fatal("expected retrieve to fail for a tombstoned document")
	}

	entries, err := e.Journal.ReadAll()
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(entries) != 2 || entries[1].Op != journal.Delete || entries[1].DocumentID != 1 {
		t.Errorf("expected a trailing DELETE entry for document 1, got %+v", entries)
	}
}

func TestCompactCrateReclaimsOnlyAgedTombstones(t *testing.T) {
	e := newTestEngine(t)
	a, err := e.Insert("Vehicle", 1, newVehicle(t, "Subaru", "Outback"))
	if err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := e.Insert("Vehicle", 2, newVehicle(t, "Honda", "Civic")); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	if n, err := e.CompactCrate("Vehicle", 1000); err != nil || n != 0 {
		t.Fatalf("expected 0 pages compacted with no tombstones, got n=%d err=%v", n, err)
	}

	if _, err := e.Delete("Vehicle", 1, a.Ref()); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if n, err := e.CompactCrate("Vehicle", 1000000); err != nil || n != 0 {
		t.Fatalf("expected the tombstone's grace period to still be unexpired, got n=%d err=%v", n, err)
	}

	n, err := e.CompactCrate("Vehicle", 0)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 page compacted once the tombstone's grace period elapsed, got %d", n)
	}
}

func TestJournalRecordsWritesInOrder(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Insert("Vehicle", 1, newVehicle(t, "Subaru", "Outback")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	entries, err := e.Journal.ReadAll()
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(entries) != 1 || entries[0].DocumentID != 1 || entries[0].Op != journal.Write {
		t.Errorf("expected a single WRITE entry for document 1, got %+v", entries)
	}
}
