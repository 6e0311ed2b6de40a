package blockimage

import "errors"

// Sentinel errors for the levelled chunk store. Callers compare with
// errors.Is; wrapping with fmt.Errorf("...: %w", err) is expected at
// call boundaries.
var (
	ErrReservedNameInBackupName = errors.New("blockimage: backup name contains a reserved substring")
	ErrHintsOutOfRange          = errors.New("blockimage: hint range extends past source size")
	ErrShrinkUnsupported        = errors.New("blockimage: level size cannot shrink")
	ErrChunkTooLarge            = errors.New("blockimage: chunk payload larger than chunk size")
	ErrChunkNotFound            = errors.New("blockimage: chunk not found in level")
	ErrChunkChecksumWrong       = errors.New("blockimage: chunk checksum mismatch")
	ErrChunkMissing             = errors.New("blockimage: no level holds required chunk")
	ErrLevelNotFound            = errors.New("blockimage: requested generation not found")
	ErrUnexpectedEOF            = errors.New("blockimage: source returned no data where a chunk was expected")
	ErrLevelCompressed          = errors.New("blockimage: level's data file is compressed and accepts no further writes")
)
