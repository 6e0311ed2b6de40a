// Package compress provides optional, opt-in seekable-zstd compression of a
// sealed level's data file. A level that will receive no further
// writes (an overlay, once superseded) may be compressed in place;
// compression operates beneath the (offset, length) addressing
// blockimage.Index already uses, so no index or checksum changes are
// needed.
package compress

import (
	"io"
	"os"
	"path/filepath"

	"blockbackup/internal/format"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

// frameSize is the uncompressed frame size for seekable zstd framing.
// Each frame compresses independently, enabling random access at frame
// granularity without decompressing the whole body.
const frameSize = 256 << 10 // 256 KiB

var sharedDecoder *zstd.Decoder

func init() {
	var err error
	sharedDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("blockimage/compress: init decoder: " + err.Error())
	}
}

// IsCompressed reports whether the data file at path already carries the
// compressed-body header. A file that does not yet exist is reported as
// uncompressed with no error.
func IsCompressed(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	var hdr [format.HeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return false, nil
		}
		return false, err
	}
	h, err := format.Decode(hdr[:])
	if err != nil {
		return false, nil //nolint:nilerr // a header mismatch just means "not our format", i.e. a plain level data file
	}
	return h.Type == format.TypeBlockLevel && h.Flags&format.FlagCompressed != 0, nil
}

// Compress rewrites the plain data file at path into the header +
// seekable-zstd-framed format, atomically via temp-file-then-rename.
// The caller must guarantee no other writer touches path concurrently;
// the resulting file's logical [offset, offset+length) addressing
// (as used by a Descriptor) is unchanged from the original plain file.
func Compress(path string, mode os.FileMode) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".blockimage-compress-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	header := format.Header{Type: format.TypeBlockLevel, Version: 1, Flags: format.FlagCompressed}
	hdrBuf := header.Encode()
	if _, err := tmp.Write(hdrBuf[:]); err != nil {
		cleanup()
		return err
	}

	sw, err := seekable.NewWriter(tmp, enc)
	if err != nil {
		cleanup()
		return err
	}
	for off := 0; off < len(body); off += frameSize {
		end := min(off+frameSize, len(body))
		if _, err := sw.Write(body[off:end]); err != nil {
			cleanup()
			return err
		}
	}
	if err := sw.Close(); err != nil {
		cleanup()
		return err
	}

	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Reader is a closeable random-access view over a level's data file,
// transparently decompressing if the file is compressed.
type Reader interface {
	io.ReaderAt
	io.Closer
}

// plainReader adapts *os.File to Reader without any decompression.
type plainReader struct{ f *os.File }

func (p *plainReader) ReadAt(b []byte, off int64) (int, error) { return p.f.ReadAt(b, off) }
func (p *plainReader) Close() error                            { return p.f.Close() }

// seekableReader adapts a seekable zstd reader, plus the backing file it
// was opened from, to Reader.
type seekableReader struct {
	r seekable.Reader
	f *os.File
}

func (s *seekableReader) ReadAt(b []byte, off int64) (int, error) { return s.r.ReadAt(b, off) }
func (s *seekableReader) Close() error {
	rErr := s.r.Close()
	fErr := s.f.Close()
	if rErr != nil {
		return rErr
	}
	return fErr
}

// Open returns a Reader over path's body section: the file as-is if it
// is a plain data file, or a decompressing seekable reader if it carries
// the compressed-body header. The returned Reader addresses the body at
// the same logical offsets a plain file would, regardless of which.
func Open(path string) (Reader, error) {
	compressed, err := IsCompressed(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !compressed {
		return &plainReader{f: f}, nil
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	section := io.NewSectionReader(f, int64(format.HeaderSize), info.Size()-int64(format.HeaderSize))
	r, err := seekable.NewReader(section, sharedDecoder)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &seekableReader{r: r, f: f}, nil
}
