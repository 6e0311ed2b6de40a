package catalog

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestFileStoreRegisterAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	store := NewFileStore(path)

	entry := Entry{Name: "disk0", Dir: "/backups/disk0", ChunkSize: 1 << 22}
	if err := store.Register(entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := store.Lookup("disk0")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != entry {
		t.Fatalf("Lookup = %+v, want %+v", got, entry)
	}
}

func TestFileStoreLookupMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "catalog.json"))
	if _, err := store.Lookup("nope"); !errors.Is(err, ErrArchiveNotRegistered) {
		t.Fatalf("err = %v, want ErrArchiveNotRegistered", err)
	}
}

func TestFileStoreListOrderedByName(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "catalog.json"))
	for _, name := range []string{"c", "a", "b"} {
		if err := store.Register(Entry{Name: name, Dir: "/d/" + name}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Name != want {
			t.Fatalf("entries[%d].Name = %q, want %q", i, entries[i].Name, want)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Register(Entry{Name: "x", Dir: "/d/x"}); err != nil {
		t.Fatal(err)
	}
	got, err := store.Lookup("x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Dir != "/d/x" {
		t.Fatalf("Dir = %q, want /d/x", got.Dir)
	}
}
