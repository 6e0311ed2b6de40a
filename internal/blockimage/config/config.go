// Package config declares named archives for the blockbackup CLI: a
// mapping from archive name to the directory its levels live in, plus
// optional per-archive overrides. It is a versioned JSON envelope,
// loaded whole and flushed whole, with atomic temp-file-then-rename
// writes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const currentVersion = 1

// ArchiveConfig is one named archive's declarative configuration.
type ArchiveConfig struct {
	Name      string `json:"name"`
	Dir       string `json:"dir"`
	ChunkSize int64  `json:"chunk_size,omitempty"` // 0 means use blockimage.DefaultChunkSize
	Compress  bool   `json:"compress,omitempty"`
}

// Config is the full set of declared archives, keyed by name.
type Config struct {
	Archives map[string]ArchiveConfig `json:"archives"`
}

// envelope is the versioned on-disk format: {"version": 1, "config": {...}}.
type envelope struct {
	Version int     `json:"version"`
	Config  *Config `json:"config"`
}

// Load reads and parses the config file at path. A missing file yields an
// empty Config, not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Archives: map[string]ArchiveConfig{}}, nil
		}
		return nil, fmt.Errorf("read blockbackup config: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse blockbackup config: %w", err)
	}
	if env.Version == 0 {
		return nil, fmt.Errorf("unversioned blockbackup config detected; delete %s and recreate it", path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("blockbackup config version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Config == nil {
		return &Config{Archives: map[string]ArchiveConfig{}}, nil
	}
	if env.Config.Archives == nil {
		env.Config.Archives = map[string]ArchiveConfig{}
	}
	return env.Config, nil
}

// Save atomically writes cfg to path as the versioned JSON envelope.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal blockbackup config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}

	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("read back temp config file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
