// Package config parses the key=value configuration format spec.md §6
// defines. The teacher has no config loader to borrow from — it is
// configured through Go struct literals and functional options — so
// this is a small bufio.Scanner line parser; stdlib is adequate for a
// format this literal, and no third-party config library in the
// example pack (spf13/viper appears only wired to a full CLI/server in
// other_examples/manifests/ostafen-immudb) would earn its weight for
// twenty-two key=value pairs.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config carries every key spec.md §6 recognizes. Keys belonging to the
// out-of-scope collaborators (TLS, logging subsystem, network port) are
// parsed and preserved here so a future HTTP/CLI layer can read them
// back out, but the core never branches on them.
type Config struct {
	BaseDir      string
	StoragePath  string
	DataPath     string
	MetaFilePath string
	CratesPath   string
	IndexesPath  string

	PageSize             uint32
	CacheMemoryLimitMB   int
	CacheMaxPages        int
	EagerLoadPages       bool
	AutoCompressOnInsert bool
	WALEnabled           bool
	TombstoneGcMillis    int64

	// External collaborators' settings: preserved, not acted on by the core.
	LogDirectory     string
	LogMaxFiles      int
	LogRetentionDays int
	LogMaxSizeMB     int
	LogLevel         string
	TLSEnabled       bool
	CACertPath       string
	CustomCACertPath string
	Port             int

	// TestMode disables `~` home-directory expansion, for hermetic tests.
	TestMode bool
}

// Default returns the spec.md §6 defaults.
func Default() *Config {
	return &Config{
		PageSize:      4096,
		CacheMaxPages: 8192,
	}
}

// Load parses a key=value configuration file, starting from Default()
// and overriding whatever keys are present. `~` is expanded to the
// user's home directory unless testMode is set (spec.md §6).
func Load(path string, testMode bool) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := Default()
	cfg.TestMode = testMode
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("config: malformed line %q", line)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if err := cfg.apply(key, val); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", path, err)
	}

	if !cfg.TestMode {
		cfg.expandHome()
	}
	return cfg, nil
}

func (c *Config) apply(key, val string) error {
	switch key {
	case "baseDir":
		c.BaseDir = val
	case "storagePath":
		c.StoragePath = val
	case "dataPath":
		c.DataPath = val
	case "metaFilePath":
		c.MetaFilePath = val
	case "cratesPath":
		c.CratesPath = val
	case "indexesPath":
		c.IndexesPath = val
	case "pageSize":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("config: pageSize: %w", err)
		}
		c.PageSize = uint32(n)
	case "cacheMemoryLimitMb":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: cacheMemoryLimitMb: %w", err)
		}
		c.CacheMemoryLimitMB = n
	case "cacheMaxPages":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: cacheMaxPages: %w", err)
		}
		c.CacheMaxPages = n
	case "eagerLoadPages":
		c.EagerLoadPages = val == "true"
	case "autoCompressOnInsert":
		c.AutoCompressOnInsert = val == "true"
	case "walEnabled":
		c.WALEnabled = val == "true"
	case "tombstoneGc":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("config: tombstoneGc: %w", err)
		}
		c.TombstoneGcMillis = n
	case "logDirectory":
		c.LogDirectory = val
	case "logMaxFiles":
		n, _ := strconv.Atoi(val)
		c.LogMaxFiles = n
	case "logRetentionDays":
		n, _ := strconv.Atoi(val)
		c.LogRetentionDays = n
	case "logMaxSizeMb":
		n, _ := strconv.Atoi(val)
		c.LogMaxSizeMB = n
	case "logLevel":
		c.LogLevel = val
	case "tlsEnabled":
		c.TLSEnabled = val == "true"
	case "caCertPath":
		c.CACertPath = val
	case "customCaCertPath":
		c.CustomCACertPath = val
	case "port":
		n, _ := strconv.Atoi(val)
		c.Port = n
	default:
		return fmt.Errorf("config: unrecognized key %q", key)
	}
	return nil
}

// expandHome expands a leading `~` to the user's home directory on every
// filesystem-location field, per spec.md §6.
func (c *Config) expandHome() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if strings.HasPrefix(p, "~") {
			return home + p[1:]
		}
		return p
	}
	c.BaseDir = expand(c.BaseDir)
	c.StoragePath = expand(c.StoragePath)
	c.DataPath = expand(c.DataPath)
	c.MetaFilePath = expand(c.MetaFilePath)
	c.CratesPath = expand(c.CratesPath)
	c.IndexesPath = expand(c.IndexesPath)
}
