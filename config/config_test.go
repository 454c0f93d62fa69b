package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crushdb.conf")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.PageSize != 4096 {
		t.Errorf("expected default pageSize=4096, got %d", cfg.PageSize)
	}
	if cfg.CacheMaxPages != 8192 {
		t.Errorf("expected default cacheMaxPages=8192, got %d", cfg.CacheMaxPages)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
# comment line is ignored
pageSize=8192
cacheMaxPages=1024
autoCompressOnInsert=true
tombstoneGc=60000
logLevel=debug
`)
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PageSize != 8192 {
		t.Errorf("expected pageSize=8192, got %d", cfg.PageSize)
	}
	if cfg.CacheMaxPages != 1024 {
		t.Errorf("expected cacheMaxPages=1024, got %d", cfg.CacheMaxPages)
	}
	if !cfg.AutoCompressOnInsert {
		t.Error("expected autoCompressOnInsert=true")
	}
	if cfg.TombstoneGcMillis != 60000 {
		t.Errorf("expected tombstoneGc=60000, got %d", cfg.TombstoneGcMillis)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected logLevel=debug, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsUnrecognizedKey(t *testing.T) {
	path := writeConfig(t, "notARealKey=1\n")
	if _, err := Load(path, false); err == nil {
		t.Fatal("expected an unrecognized key to fail loading")
	}
}

func TestTestModeSkipsHomeExpansion(t *testing.T) {
	path := writeConfig(t, "baseDir=~/crushdb\n")
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseDir != "~/crushdb" {
		t.Errorf("expected baseDir to be left unexpanded in test mode, got %q", cfg.BaseDir)
	}
}
