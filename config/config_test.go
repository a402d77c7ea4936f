package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":8545" {
		t.Fatalf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.LogMaxSizeMB != 100 {
		t.Fatalf("LogMaxSizeMB = %d", cfg.LogMaxSizeMB)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	// Loading the written default round-trips.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if *again != *cfg {
		t.Fatalf("reload mismatch: %+v != %+v", again, cfg)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
OwnerAddress = "0x0000000000000000000000000000000000000001"
PoolAddress = "0x0000000000000000000000000000000000000002"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":8545" || cfg.DataDir != "./microlend-data" || cfg.Env != "local" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRequiresAddresses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("ListenAddress = \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing addresses")
	}
}
