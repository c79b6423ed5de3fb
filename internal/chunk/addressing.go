package chunk

import "github.com/gftdcojp/hybrid-tiered-storage/internal/types"

// Split divides the byte range [pos, pos+length) of an object into
// chunk-local parts, in ascending order. Part lengths sum to length and
// OutOffset is the part's offset within the caller's buffer.
func Split(chunkSize, pos, length int64) []types.Part {
	if length <= 0 {
		return nil
	}
	parts := make([]types.Part, 0, (length+chunkSize-1)/chunkSize+1)
	end := pos + length
	for cursor := pos; cursor < end; {
		inChunk := cursor % chunkSize
		n := min(chunkSize-inChunk, end-cursor)
		parts = append(parts, types.Part{
			Index:      uint64(cursor / chunkSize),
			PosInChunk: inChunk,
			Length:     n,
			OutOffset:  cursor - pos,
		})
		cursor += n
	}
	return parts
}
