package blockimage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Index is the in-memory map of chunk-id to Descriptor for one level,
// plus the logical size of the image that level's owner represents.
//
// Get is the sole mechanism by which a chunk's offset is assigned: a
// freshly seen chunk-id receives offset = (current cardinality) *
// chunkSize, so offsets are assigned in strict append order. The store
// is therefore append-only within a level — rewriting an existing
// chunk-id always reuses that chunk-id's original offset.
type Index struct {
	chunkSize   int64
	size        int64
	descriptors map[int64]*Descriptor
}

// NewIndex returns an empty index for a level using the given chunk size.
func NewIndex(chunkSize int64) *Index {
	return &Index{chunkSize: chunkSize, descriptors: make(map[int64]*Descriptor)}
}

// Get returns the descriptor for chunkID, creating one with a freshly
// assigned offset if it is not yet present.
func (idx *Index) Get(chunkID int64) *Descriptor {
	if d, ok := idx.descriptors[chunkID]; ok {
		return d
	}
	d := &Descriptor{Offset: int64(len(idx.descriptors)) * idx.chunkSize}
	idx.descriptors[chunkID] = d
	return d
}

// Has reports whether chunkID has a descriptor.
func (idx *Index) Has(chunkID int64) bool {
	_, ok := idx.descriptors[chunkID]
	return ok
}

// ChunkIDs returns every chunk-id present, in ascending order.
func (idx *Index) ChunkIDs() []int64 {
	ids := make([]int64, 0, len(idx.descriptors))
	for id := range idx.descriptors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Size returns the logical image size this index represents.
func (idx *Index) Size() int64 { return idx.size }

// SetSize grows the logical size to n. Shrinking is not supported.
func (idx *Index) SetSize(n int64) error {
	if n < idx.size {
		return ErrShrinkUnsupported
	}
	idx.size = n
	return nil
}

// ReadIndex parses the text index format: a first line holding the
// decimal size, followed by one "chunk_id|checksum|offset|length|status"
// line per descriptor.
func ReadIndex(path string, chunkSize int64) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	idx := NewIndex(chunkSize)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return idx, nil
	}
	size, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("blockimage: parse index size: %w", err)
	}
	idx.size = size

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 5 {
			return nil, fmt.Errorf("blockimage: malformed index line %q", line)
		}
		chunkID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("blockimage: parse chunk id: %w", err)
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("blockimage: parse offset: %w", err)
		}
		length, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("blockimage: parse length: %w", err)
		}
		status, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("blockimage: parse status: %w", err)
		}
		idx.descriptors[chunkID] = &Descriptor{
			Checksum: fields[1],
			Offset:   offset,
			Length:   length,
			Status:   Status(status),
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Write serialises the index to path as text, emitting chunk-ids in
// ascending order. It writes via a temp file and renames into place so
// a reader never observes a partially written index.
func (idx *Index) Write(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}

	w := bufio.NewWriter(tmp)
	if _, err := fmt.Fprintf(w, "%d\n", idx.size); err != nil {
		cleanup()
		return err
	}
	for _, id := range idx.ChunkIDs() {
		d := idx.descriptors[id]
		if _, err := fmt.Fprintf(w, "%d|%s|%d|%d|%d\n", id, d.Checksum, d.Offset, d.Length, int(d.Status)); err != nil {
			cleanup()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
