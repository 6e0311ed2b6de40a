package blockimage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestLevel(t *testing.T, dir string, chunkSize int64) *Level {
	t.Helper()
	l, err := OpenLevel(filepath.Join(dir, "lvl.data"), filepath.Join(dir, "lvl.index"), chunkSize, nil)
	if err != nil {
		t.Fatalf("OpenLevel: %v", err)
	}
	return l
}

func TestLevelWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := openTestLevel(t, dir, 16)
	defer l.Close()

	data := []byte("0123456789abcdef")
	if err := l.Write(3, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := l.Read(3, true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read = %q, want %q", got, data)
	}
}

func TestLevelWriteRejectsOversizedChunk(t *testing.T) {
	dir := t.TempDir()
	l := openTestLevel(t, dir, 4)
	defer l.Close()

	if err := l.Write(0, []byte("too big")); !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("Write oversized chunk err = %v, want ErrChunkTooLarge", err)
	}
}

func TestLevelReadMissingChunk(t *testing.T) {
	dir := t.TempDir()
	l := openTestLevel(t, dir, 16)
	defer l.Close()

	if _, err := l.Read(0, true); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("Read missing chunk err = %v, want ErrChunkNotFound", err)
	}
}

func TestLevelOffsetsAreAppendOnly(t *testing.T) {
	dir := t.TempDir()
	l := openTestLevel(t, dir, 4)
	defer l.Close()

	if err := l.Write(5, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if err := l.Write(2, []byte("bbbb")); err != nil {
		t.Fatal(err)
	}
	// Rewriting chunk 5 must reuse its original offset, not append again.
	if err := l.Write(5, []byte("cccc")); err != nil {
		t.Fatal(err)
	}

	m5, err := l.ReadMeta(5)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := l.ReadMeta(2)
	if err != nil {
		t.Fatal(err)
	}
	if m5.Offset != 0 {
		t.Fatalf("chunk 5 offset = %d, want 0 (first inserted)", m5.Offset)
	}
	if m2.Offset != 4 {
		t.Fatalf("chunk 2 offset = %d, want 4 (second inserted)", m2.Offset)
	}
}

func TestLevelStrictReadDetectsCorruption(t *testing.T) {
	dataPath := filepath.Join(t.TempDir(), "lvl.data")
	indexPath := dataPath + ".index"
	l, err := OpenLevel(dataPath, indexPath, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Write(0, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Corrupt the data file directly.
	f, err := os.OpenFile(dataPath, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xff}, 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l2, err := OpenLevel(dataPath, indexPath, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	if _, err := l2.Read(0, true); !errors.Is(err, ErrChunkChecksumWrong) {
		t.Fatalf("strict Read on corrupted chunk err = %v, want ErrChunkChecksumWrong", err)
	}

	// Non-strict read logs but still returns bytes.
	got, err := l2.Read(0, false)
	if err != nil {
		t.Fatalf("non-strict Read: %v", err)
	}
	if len(got) != len("hello world") {
		t.Fatalf("non-strict Read length = %d, want %d", len(got), len("hello world"))
	}
}

func TestLevelInvalidateChunk(t *testing.T) {
	dir := t.TempDir()
	l := openTestLevel(t, dir, 16)
	defer l.Close()

	if err := l.Write(0, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := l.InvalidateChunk(0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Read(0, true); !errors.Is(err, ErrChunkChecksumWrong) {
		t.Fatalf("Read after invalidate err = %v, want ErrChunkChecksumWrong", err)
	}
}

func TestLevelSetSizeRejectsShrink(t *testing.T) {
	dir := t.TempDir()
	l := openTestLevel(t, dir, 16)
	defer l.Close()

	if err := l.SetSize(100); err != nil {
		t.Fatal(err)
	}
	if err := l.SetSize(10); !errors.Is(err, ErrShrinkUnsupported) {
		t.Fatalf("SetSize shrink err = %v, want ErrShrinkUnsupported", err)
	}
}

func TestLevelEmptyOverlayLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "overlay.data")
	indexPath := filepath.Join(dir, "overlay.index")

	l, err := OpenLevel(dataPath, indexPath, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(dataPath); !os.IsNotExist(err) {
		t.Fatalf("data file exists for untouched empty level: %v", err)
	}
	if _, err := os.Stat(indexPath); !os.IsNotExist(err) {
		t.Fatalf("index file exists for untouched empty level: %v", err)
	}
}
