package crate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crushdb/crushdb/btree"
	"github.com/crushdb/crushdb/config"
	"github.com/crushdb/crushdb/document"
	"github.com/crushdb/crushdb/index"
	"github.com/crushdb/crushdb/journal"
	"github.com/crushdb/crushdb/pagemanager"
	"github.com/crushdb/crushdb/storageengine"
)

func newTestManager(t *testing.T) string {
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
	engine := storageengine.New(pm, idx, jn, nil, func() int64 { tick++; return tick })

	cratesPath := filepath.Join(dir, "crates")
	Init(engine, cratesPath)
	t.Cleanup(Reset)
	return cratesPath
}

func newVehicle(t *testing.T, make_ string) *document.Document {
	t.Helper()
	d := document.New()
	if err := d.Set("vehicleMake", make_); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestCreateIndexThenFindUsesFastPath(t *testing.T) {
	newTestManager(t)
	vehicles := Get("Vehicle")

	if err := vehicles.CreateIndex(btree.KeyString, "vehicleMake_index", "vehicleMake", false, 3, btree.Asc); err != nil {
		t.Fatalf("create index: %v", err)
	}

	for i, make_ := range []string{"Subaru", "Subaru", "BMW"} {
		if _, err := vehicles.Insert(uint64(i+1), newVehicle(t, make_)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := vehicles.Find("vehicleMake", "Subaru")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 Subaru documents, got %d", len(got))
	}
}

func TestFindDegradesToScanWithoutConventionalIndex(t *testing.T) {
	newTestManager(t)
	vehicles := Get("Vehicle")

	for i, make_ := range []string{"Honda", "Ford"} {
		if _, err := vehicles.Insert(uint64(i+1), newVehicle(t, make_)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := vehicles.Find("vehicleMake", "Honda")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 Honda document via scan fallback, got %d", len(got))
	}
}

func TestUsingManagerBeforeInitPanics(t *testing.T) {
	Reset()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when using the crate manager before Init")
		}
	}()
	Get("Vehicle")
}

func TestGetPersistsCrateFile(t *testing.T) {
	cratesPath := newTestManager(t)
	Get("Vehicle")

	data, err := os.ReadFile(filepath.Join(cratesPath, "Vehicle.crate"))
	if err != nil {
		t.Fatalf("read crate file: %v", err)
	}
	if got, want := string(data), "name=Vehicle\n"; got != want {
		t.Errorf("expected crate file contents %q, got %q", want, got)
	}
}

func TestLoadCratesFromDiskRebuildsNames(t *testing.T) {
	cratesPath := newTestManager(t)
	vehicles := Get("Vehicle")
	if err := vehicles.CreateIndex(btree.KeyString, "vehicleMake_index", "vehicleMake", false, 3, btree.Asc); err != nil {
		t.Fatalf("create index: %v", err)
	}
	Get("Owner")

	Reset()
	pm, err := pagemanager.Open(pagemanager.NewMemFile(), pagemanager.NewMemFile(), pagemanager.Options{})
	if err != nil {
		t.Fatalf("open page manager: %v", err)
	}
	idx := index.NewManager(filepath.Join(filepath.Dir(cratesPath), "indexes"))
	if err := idx.LoadIndexesFromDisk(); err != nil {
		t.Fatalf("load indexes: %v", err)
	}
	jn, err := journal.Open(filepath.Join(filepath.Dir(cratesPath), "crushdb2.journal"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	tick := int64(0)
	engine := storageengine.New(pm, idx, jn, nil, func() int64 { tick++; return tick })
	Init(engine, cratesPath)
	t.Cleanup(Reset)

	if err := LoadCratesFromDisk(); err != nil {
		t.Fatalf("load crates: %v", err)
	}

	reloaded := Get("Vehicle")
	if _, ok := reloaded.indexNames["vehicleMake_index"]; !ok {
		t.Error("expected reloaded Vehicle crate to recover its index membership")
	}
	if _, ok := reloaded.indexNames["missing_index"]; ok {
		t.Error("did not expect a spurious index name")
	}
}

func TestLoadCratesFromDiskToleratesMissingDirectory(t *testing.T) {
	newTestManager(t)
	if err := LoadCratesFromDisk(); err != nil {
		t.Fatalf("expected no error for a never-written crates directory, got %v", err)
	}
}

func TestCompactSkipsPagesWithoutTombstones(t *testing.T) {
	newTestManager(t)
	vehicles := Get("Vehicle")

	for i, make_ := range []string{"Subaru", "Honda"} {
		if _, err := vehicles.Insert(uint64(i+1), newVehicle(t, make_)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cfg := config.Default()
	cfg.TombstoneGcMillis = 0

	n, err := vehicles.Compact(cfg)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 pages compacted with no pending tombstones, got %d", n)
	}
}
