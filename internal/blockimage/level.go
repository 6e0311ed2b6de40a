package blockimage

import (
	"crypto/md5" //nolint:gosec // integrity-only digest, not security; see DESIGN.md
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"

	"blockbackup/internal/blockimage/compress"
	"blockbackup/internal/logging"
)

// Level is the (data file, Index) pair for one generation: either an
// Archive's Base or one of its Overlays.
//
// A level that never receives a chunk write and never grows beyond
// size zero (the overlay opened alongside an archive's first backup,
// while Base is still empty) leaves no trace on disk at all: a data file is
// created on the first write of a chunk-id to an empty level, and
// Close only persists an index for a level that already existed on
// disk, or that ends the operation with a non-zero size or at least
// one descriptor. Close must be called on every exit path, including
// error paths, so that whatever writes did occur before a failure are
// not lost.
type Level struct {
	dataPath   string
	indexPath  string
	chunkSize  int64
	existed    bool // index file was present when this Level was opened
	data       *os.File
	compressed bool            // data file carries compress.Open's compressed-body header
	reader     compress.Reader // lazily opened; serves Read when compressed is true
	index      *Index
	logger     *slog.Logger
}

// OpenLevel opens the level named by dataPath/indexPath if it already
// exists, or prepares an empty, not-yet-materialized level otherwise.
// For a new level neither file is created here; a write or Close
// creates them (see Close).
func OpenLevel(dataPath, indexPath string, chunkSize int64, logger *slog.Logger) (*Level, error) {
	logger = logging.Default(logger)

	l := &Level{
		dataPath:  dataPath,
		indexPath: indexPath,
		chunkSize: chunkSize,
		logger:    logger.With("component", "blockimage.level", "data", dataPath),
	}

	idx, err := ReadIndex(indexPath, chunkSize)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		l.index = NewIndex(chunkSize)
		return l, nil
	}
	l.existed = true
	l.index = idx

	compressed, err := compress.IsCompressed(dataPath)
	if err != nil {
		return nil, err
	}
	l.compressed = compressed
	if compressed {
		return l, nil // data file opened lazily via compress.Open on first Read
	}

	data, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	l.data = data
	return l, nil
}

// ensureData lazily creates and opens the data file on first write.
func (l *Level) ensureData() (*os.File, error) {
	if l.data != nil {
		return l.data, nil
	}
	data, err := os.OpenFile(l.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	l.data = data
	return data, nil
}

// ensureReader lazily opens the level's read path: the compressed
// decompressing reader if the data file was compressed, otherwise the
// plain *os.File also used for writes.
func (l *Level) ensureReader() (io.ReaderAt, error) {
	if l.compressed {
		if l.reader != nil {
			return l.reader, nil
		}
		r, err := compress.Open(l.dataPath)
		if err != nil {
			return nil, err
		}
		l.reader = r
		return r, nil
	}
	return l.ensureData()
}

// Size returns the logical image size this level represents.
func (l *Level) Size() int64 { return l.index.Size() }

// SetSize grows the level's logical size. Returns ErrShrinkUnsupported
// if n is smaller than the current size.
func (l *Level) SetSize(n int64) error { return l.index.SetSize(n) }

// Has reports whether the level's index has a descriptor for chunkID.
func (l *Level) Has(chunkID int64) bool { return l.index.Has(chunkID) }

// ChunkIDs returns every chunk-id present in the level, ascending.
func (l *Level) ChunkIDs() []int64 { return l.index.ChunkIDs() }

// ReadMeta returns the descriptor for chunkID without touching the data file.
func (l *Level) ReadMeta(chunkID int64) (Descriptor, error) {
	if !l.index.Has(chunkID) {
		return Descriptor{}, ErrChunkNotFound
	}
	return *l.index.Get(chunkID), nil
}

// Write stores data under chunkID. It requires len(data) <= chunkSize.
// The descriptor's offset is assigned (for a new chunk-id) or reused
// (for an existing one) by Index.Get, preserving append-only growth.
func (l *Level) Write(chunkID int64, data []byte) error {
	if l.compressed {
		return ErrLevelCompressed
	}
	if int64(len(data)) > l.chunkSize {
		return ErrChunkTooLarge
	}
	checksum := md5Hex(data)

	d := l.index.Get(chunkID)
	f, err := l.ensureData()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, d.Offset); err != nil {
		return err
	}
	d.Checksum = checksum
	d.Length = int64(len(data))
	d.Status = StatusExists
	return nil
}

// Read returns the bytes stored for chunkID. If strict is true, a
// checksum mismatch fails with ErrChunkChecksumWrong; otherwise the
// mismatch is logged at critical severity and the bytes are returned
// anyway, matching the scrub use case that reports without raising.
func (l *Level) Read(chunkID int64, strict bool) ([]byte, error) {
	if !l.index.Has(chunkID) {
		return nil, ErrChunkNotFound
	}
	d := l.index.Get(chunkID)

	r, err := l.ensureReader()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, d.Length)
	if _, err := r.ReadAt(buf, d.Offset); err != nil {
		return nil, err
	}

	checksum := md5Hex(buf)
	if checksum != d.Checksum {
		if strict {
			return nil, ErrChunkChecksumWrong
		}
		l.logger.Error("chunk checksum mismatch", "chunk_id", chunkID, "expected", d.Checksum, "actual", checksum)
		return buf, nil
	}
	return buf, nil
}

// InvalidateChunk clears a chunk's stored checksum, marking it
// known-bad. The data bytes are untouched; this is metadata-only, and
// any subsequent strict Read will fail with ErrChunkChecksumWrong.
func (l *Level) InvalidateChunk(chunkID int64) error {
	if !l.index.Has(chunkID) {
		return ErrChunkNotFound
	}
	l.index.Get(chunkID).Checksum = ""
	return nil
}

// md5Hex returns the lowercase 32-hex MD5 digest of data. MD5 is used
// for integrity only, never for security purposes.
func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// persistable reports whether this level's state is worth writing to
// disk: either it already had files before this operation, or it now
// has a non-zero size or at least one descriptor.
func (l *Level) persistable() bool {
	return l.existed || l.index.Size() > 0 || len(l.index.ChunkIDs()) > 0
}

// Close flushes the index to disk (creating an empty data file too if
// none is open yet, as for a level with a non-zero size but no chunk
// writes) and closes the data file handle. A level that ends up empty and
// never existed before is left untouched on disk — see the Level
// doc comment. Close is safe to call multiple times and safe to defer
// unconditionally after OpenLevel succeeds.
func (l *Level) Close() error {
	if l.index == nil {
		return nil // already closed, or OpenLevel never succeeded
	}
	defer func() { l.index = nil }()

	closeHandles := func() error {
		var err error
		if l.reader != nil {
			err = l.reader.Close()
			l.reader = nil
		}
		if l.data != nil {
			if dErr := l.data.Close(); err == nil {
				err = dErr
			}
		}
		return err
	}

	if !l.persistable() {
		return closeHandles()
	}

	if err := l.index.Write(l.indexPath); err != nil {
		closeHandles() //nolint:errcheck // best-effort handle cleanup; the write error is what matters
		return err
	}
	if l.compressed {
		return closeHandles()
	}
	if l.data == nil {
		if _, err := l.ensureData(); err != nil {
			return err
		}
	}
	return closeHandles()
}
