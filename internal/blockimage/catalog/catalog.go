// Package catalog is a small persisted registry of known archives (name →
// directory): a pluggable Store interface with one file-backed
// implementation, so the CLI can address an archive by name alone instead
// of requiring a --dir flag on every invocation.
package catalog

import (
	"errors"
	"sort"

	"blockbackup/internal/blockimage/config"
)

// ErrArchiveNotRegistered is returned by Lookup when name has no catalog entry.
var ErrArchiveNotRegistered = errors.New("blockimage: archive not registered in catalog")

// Entry is one archive's catalog record.
type Entry struct {
	Name      string
	Dir       string
	ChunkSize int64 // 0 means the archive's caller should use blockimage.DefaultChunkSize
	Compress  bool
}

// Store is the catalog's storage interface. It never reads or writes
// level data — only this small name→directory metadata.
type Store interface {
	Register(e Entry) error
	Lookup(name string) (Entry, error)
	List() ([]Entry, error)
}

// FileStore is a Store backed by the versioned JSON config file described
// in internal/blockimage/config.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a catalog backed by the config file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Register adds or replaces the catalog entry for e.Name.
func (s *FileStore) Register(e Entry) error {
	cfg, err := config.Load(s.path)
	if err != nil {
		return err
	}
	cfg.Archives[e.Name] = config.ArchiveConfig{
		Name:      e.Name,
		Dir:       e.Dir,
		ChunkSize: e.ChunkSize,
		Compress:  e.Compress,
	}
	return config.Save(s.path, cfg)
}

// Lookup returns the catalog entry for name, or ErrArchiveNotRegistered.
func (s *FileStore) Lookup(name string) (Entry, error) {
	cfg, err := config.Load(s.path)
	if err != nil {
		return Entry{}, err
	}
	ac, ok := cfg.Archives[name]
	if !ok {
		return Entry{}, ErrArchiveNotRegistered
	}
	return Entry{Name: ac.Name, Dir: ac.Dir, ChunkSize: ac.ChunkSize, Compress: ac.Compress}, nil
}

// List returns every registered entry, ordered by name.
func (s *FileStore) List() ([]Entry, error) {
	cfg, err := config.Load(s.path)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(cfg.Archives))
	for _, ac := range cfg.Archives {
		entries = append(entries, Entry{Name: ac.Name, Dir: ac.Dir, ChunkSize: ac.ChunkSize, Compress: ac.Compress})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// MemoryStore is an in-process Store implementation used in tests.
type MemoryStore struct {
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Register(e Entry) error {
	s.entries[e.Name] = e
	return nil
}

func (s *MemoryStore) Lookup(name string) (Entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return Entry{}, ErrArchiveNotRegistered
	}
	return e, nil
}

func (s *MemoryStore) List() ([]Entry, error) {
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
