package blockimage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"blockbackup/internal/blockimage/compress"
	"blockbackup/internal/logging"
)

// Archive is the ordered collection of levels for a named backup: one
// Base level holding the most recently backed-up image, and zero or
// more numbered Overlay levels holding the bytes Base displaced at
// each earlier promotion. Archive implements the naming scheme, level
// enumeration, and the backup/restore/scrub protocols; it never
// implicitly locks or serialises concurrent callers — see DESIGN.md
// for the concurrency model this implies for callers.
type Archive struct {
	dir       string
	name      string
	chunkSize int64
	logger    *slog.Logger
}

// Open constructs an Archive handle. It does not touch disk beyond
// validating name against the reserved-substring rule: name must not
// contain ".data." or ".index.", since those substrings are part of
// the on-disk naming scheme itself.
func Open(dir, name string, chunkSize int64, logger *slog.Logger) (*Archive, error) {
	if strings.Contains(name, ".data.") || strings.Contains(name, ".index.") {
		return nil, ErrReservedNameInBackupName
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	logger = logging.Default(logger)
	return &Archive{
		dir:       dir,
		name:      name,
		chunkSize: chunkSize,
		logger:    logger.With("component", "blockimage.archive", "archive", name),
	}, nil
}

// ChunkSize returns the chunk size this archive was opened with.
func (a *Archive) ChunkSize() int64 { return a.chunkSize }

func (a *Archive) basePaths() (data, index string) {
	data = filepath.Join(a.dir, a.name+"..data")
	index = filepath.Join(a.dir, a.name+"..index")
	return
}

func (a *Archive) overlayPaths(n int) (data, index string) {
	data = filepath.Join(a.dir, fmt.Sprintf("%s..data.%d", a.name, n))
	index = filepath.Join(a.dir, fmt.Sprintf("%s..index.%d", a.name, n))
	return
}

// openBase opens this archive's Base level.
func (a *Archive) openBase() (*Level, error) {
	data, index := a.basePaths()
	return OpenLevel(data, index, a.chunkSize, a.logger)
}

// openOverlay opens this archive's overlay level n.
func (a *Archive) openOverlay(n int) (*Level, error) {
	data, index := a.overlayPaths(n)
	return OpenLevel(data, index, a.chunkSize, a.logger)
}

// existingOverlays scans the archive directory for level files and
// returns the sorted, de-duplicated list of overlay numbers found:
// files are matched by the "<name>.." prefix, and the final
// dot-separated token of each match is parsed as an integer; tokens
// that don't parse (the bare "data" and "index" base files) are not
// overlay numbers.
func (a *Archive) existingOverlays() ([]int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	prefix := a.name + ".."
	seen := make(map[int]struct{})
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		rest := entry.Name()[len(prefix):]
		dot := strings.LastIndexByte(rest, '.')
		if dot < 0 {
			continue
		}
		n, err := strconv.Atoi(rest[dot+1:])
		if err != nil {
			continue
		}
		seen[n] = struct{}{}
	}

	levels := make([]int, 0, len(seen))
	for n := range seen {
		levels = append(levels, n)
	}
	slices.Sort(levels)
	return levels, nil
}

// nextOverlay returns the overlay number the next promotion will use.
func (a *Archive) nextOverlay() (int, error) {
	levels, err := a.existingOverlays()
	if err != nil {
		return 0, err
	}
	if len(levels) == 0 {
		return 0, nil
	}
	return levels[len(levels)-1] + 1, nil
}

// Levels reports the archive's current overlay numbers (ascending)
// and whether a Base level file exists.
func (a *Archive) Levels() (overlays []int, hasBase bool, err error) {
	overlays, err = a.existingOverlays()
	if err != nil {
		return nil, false, err
	}
	data, _ := a.basePaths()
	if _, statErr := os.Stat(data); statErr == nil {
		hasBase = true
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, false, statErr
	}
	return overlays, hasBase, nil
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// readSourceChunk reads up to chunkSize bytes at the given chunk-id's
// natural offset. A short final read is not an error (ReaderAt may
// return io.EOF alongside the final partial chunk); a zero-byte read
// where a chunk was expected is ErrUnexpectedEOF.
func (a *Archive) readSourceChunk(source Source, chunkID int64) ([]byte, error) {
	buf := make([]byte, a.chunkSize)
	n, err := source.ReadAt(buf, chunkID*a.chunkSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 {
		return nil, ErrUnexpectedEOF
	}
	return buf[:n], nil
}

// Backup reads source (of known size S) and promotes it into the
// archive: unchanged chunks are left alone, changed chunks are
// evicted into a freshly created overlay before Base is overwritten
// with the new bytes. With no hints every chunk in [0, ceil(S/chunkSize))
// is considered; with hints, only the chunk-ids ChunksFromHints
// resolves are considered.
func (a *Archive) Backup(source Source, hints []HintRange) error {
	next, err := a.nextOverlay()
	if err != nil {
		return err
	}

	base, err := a.openBase()
	if err != nil {
		return err
	}
	defer base.Close()

	overlay, err := a.openOverlay(next)
	if err != nil {
		return err
	}
	defer overlay.Close()

	size, err := source.Size()
	if err != nil {
		return err
	}

	// Preserve the generation being displaced before Base's size grows.
	if err := overlay.SetSize(base.Size()); err != nil {
		return err
	}
	if err := base.SetSize(size); err != nil {
		return err
	}

	for _, h := range hints {
		if h.Offset+h.Length > size {
			return ErrHintsOutOfRange
		}
	}

	var chunkIDs []int64
	if len(hints) == 0 {
		n := ceilDiv(size, a.chunkSize)
		chunkIDs = make([]int64, n)
		for i := range chunkIDs {
			chunkIDs[i] = int64(i)
		}
	} else {
		set := ChunksFromHints(hints, a.chunkSize)
		chunkIDs = make([]int64, 0, len(set))
		for id := range set {
			chunkIDs = append(chunkIDs, id)
		}
		slices.Sort(chunkIDs)
	}

	for _, chunkID := range chunkIDs {
		newData, err := a.readSourceChunk(source, chunkID)
		if err != nil {
			return err
		}
		sum := md5Hex(newData)

		if base.Has(chunkID) {
			meta, err := base.ReadMeta(chunkID)
			if err != nil {
				return err
			}
			if meta.Checksum == sum {
				continue // unchanged: no writes to either level
			}
			old, err := base.Read(chunkID, false)
			if err != nil {
				return err
			}
			if err := overlay.Write(chunkID, old); err != nil {
				return err
			}
		}

		if err := base.Write(chunkID, newData); err != nil {
			return err
		}
	}

	return nil
}

// Restore streams a historical generation to target. generation nil
// means the latest image (Base alone); otherwise it walks overlays
// generation, generation+1, ..., newest, then Base, taking the first
// descriptor found for each chunk-id — this is the "first hit wins"
// rule that makes restore independent of any overlay older than the
// requested generation.
func (a *Archive) Restore(target Target, generation *int) error {
	overlays, _, err := a.Levels()
	if err != nil {
		return err
	}

	var walkNumbers []int
	if generation != nil {
		if !slices.Contains(overlays, *generation) {
			return ErrLevelNotFound
		}
		for _, n := range overlays {
			if n >= *generation {
				walkNumbers = append(walkNumbers, n)
			}
		}
	}

	var walk []*Level
	defer func() {
		for _, l := range walk {
			l.Close()
		}
	}()

	for _, n := range walkNumbers {
		l, err := a.openOverlay(n)
		if err != nil {
			return err
		}
		walk = append(walk, l)
	}
	base, err := a.openBase()
	if err != nil {
		return err
	}
	walk = append(walk, base)

	logicalSize := walk[0].Size()
	n := ceilDiv(logicalSize, a.chunkSize)

	for chunkID := int64(0); chunkID < n; chunkID++ {
		var owner *Level
		for _, l := range walk {
			if l.Has(chunkID) {
				owner = l
				break
			}
		}
		if owner == nil {
			return fmt.Errorf("%w: chunk %d", ErrChunkMissing, chunkID)
		}
		data, err := owner.Read(chunkID, false)
		if err != nil {
			return err
		}
		if _, err := target.WriteAt(data, chunkID*a.chunkSize); err != nil {
			return err
		}
	}
	return nil
}

// PlainScrub strict-reads every chunk in the named level (overlay
// number if non-nil, Base otherwise), invalidating any chunk whose
// checksum no longer matches its bytes. It returns the number of
// chunks checked and the number invalidated.
func (a *Archive) PlainScrub(level *int) (checked, invalidated int, err error) {
	l, err := a.openLevelByNumber(level)
	if err != nil {
		return 0, 0, err
	}
	defer l.Close()

	for _, chunkID := range l.ChunkIDs() {
		checked++
		if _, err := l.Read(chunkID, true); err != nil {
			if errors.Is(err, ErrChunkChecksumWrong) {
				a.logger.Error("scrub: chunk checksum mismatch, invalidating", "chunk_id", chunkID)
				if err := l.InvalidateChunk(chunkID); err != nil {
					return checked, invalidated, err
				}
				invalidated++
				continue
			}
			return checked, invalidated, err
		}
	}
	return checked, invalidated, nil
}

// DeepScrub compares stored chunks in the named level against source,
// a live copy of the image being backed up. Each chunk is
// independently sampled with probability percentile/100 (0-100); a
// chunk whose own checksum fails is logged critical but deliberately
// NOT invalidated — only a source-content mismatch invalidates. See
// DESIGN.md for why this asymmetry is kept. It returns the number of
// chunks sampled.
func (a *Archive) DeepScrub(level *int, source Source, percentile int) (checked int, err error) {
	l, err := a.openLevelByNumber(level)
	if err != nil {
		return 0, err
	}
	defer l.Close()

	for _, chunkID := range l.ChunkIDs() {
		if percentile < 100 && rand.IntN(100) >= percentile {
			continue
		}
		checked++

		meta, err := l.ReadMeta(chunkID)
		if err != nil {
			return checked, err
		}
		backupBuf, err := l.Read(chunkID, true)
		if err != nil {
			if errors.Is(err, ErrChunkChecksumWrong) {
				a.logger.Error("deep scrub: stored chunk checksum mismatch", "chunk_id", chunkID)
				continue
			}
			return checked, err
		}

		// The source comparison reads at the descriptor's own offset
		// rather than chunkID*chunkSize. For a level populated by full,
		// in-order backups the two coincide (rank tracks first-append
		// order, which is ascending chunk-id order), but this is
		// preserved literally rather than "fixed"; see DESIGN.md.
		sourceBuf := make([]byte, meta.Length)
		if _, err := source.ReadAt(sourceBuf, meta.Offset); err != nil && !errors.Is(err, io.EOF) {
			return checked, err
		}
		if !slices.Equal(sourceBuf, backupBuf) {
			a.logger.Error("deep scrub: source content mismatch, invalidating", "chunk_id", chunkID)
			if err := l.InvalidateChunk(chunkID); err != nil {
				return checked, err
			}
		}
	}
	return checked, nil
}

// CompressOverlay compresses overlay n's data file in place with seekable
// zstd framing. Overlays are written exactly once, during the backup that
// created them, so compressing one after that backup closes is always
// safe; Base is never a valid argument since it keeps receiving writes.
func (a *Archive) CompressOverlay(n int) error {
	overlays, err := a.existingOverlays()
	if err != nil {
		return err
	}
	if !slices.Contains(overlays, n) {
		return ErrLevelNotFound
	}
	data, _ := a.overlayPaths(n)
	if _, statErr := os.Stat(data); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil // overlay recorded no chunks; nothing to compress
		}
		return statErr
	}
	return compress.Compress(data, 0o644)
}

func (a *Archive) openLevelByNumber(level *int) (*Level, error) {
	if level == nil {
		return a.openBase()
	}
	overlays, err := a.existingOverlays()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(overlays, *level) {
		return nil, ErrLevelNotFound
	}
	return a.openOverlay(*level)
}
