package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Archives) != 0 {
		t.Fatalf("expected empty archive map, got %v", cfg.Archives)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockbackup.json")
	cfg := &Config{Archives: map[string]ArchiveConfig{
		"disk0": {Name: "disk0", Dir: "/var/backups/disk0", ChunkSize: 1 << 20, Compress: true},
	}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	entry, ok := got.Archives["disk0"]
	if !ok {
		t.Fatal("expected disk0 entry after round trip")
	}
	if entry.Dir != "/var/backups/disk0" || entry.ChunkSize != 1<<20 || !entry.Compress {
		t.Fatalf("round-tripped entry = %+v", entry)
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockbackup.json")
	future := envelope{Version: currentVersion + 1, Config: &Config{Archives: map[string]ArchiveConfig{}}}
	data, err := json.MarshalIndent(future, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading a config with a future version")
	}
}
