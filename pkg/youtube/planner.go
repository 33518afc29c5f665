package youtube

import "fmt"

// ChunkRange is a contiguous byte span of the payload. It is derived from
// the session on demand and never persisted.
type ChunkRange struct {
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the range.
func (r ChunkRange) End() int64 { return r.Offset + r.Length }

// ChunkPlanner computes the next byte range to send.
type ChunkPlanner struct {
	ChunkSize int64
}

// NewChunkPlanner returns a planner for chunkSize, falling back to
// DefaultChunkSize when chunkSize is not positive.
func NewChunkPlanner(chunkSize int64) ChunkPlanner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return ChunkPlanner{ChunkSize: chunkSize}
}

// NextRange returns the next unconfirmed range of s, or false when nothing
// remains to be sent.
func (p ChunkPlanner) NextRange(s *UploadSession) (ChunkRange, bool) {
	return p.next(s.bytesConfirmed, s.totalSize, s.state == StateMediaComplete)
}

func (p ChunkPlanner) next(confirmed, total int64, complete bool) (ChunkRange, bool) {
	switch {
	case complete:
		return ChunkRange{}, false
	case total == SizeUnknown:
		// The actual length is fixed by a short read from the source.
		return ChunkRange{Offset: confirmed, Length: p.ChunkSize}, true
	case total == 0:
		// An empty payload still needs one finalize request.
		return ChunkRange{}, true
	case confirmed >= total:
		return ChunkRange{}, false
	}
	return ChunkRange{Offset: confirmed, Length: min(p.ChunkSize, total-confirmed)}, true
}

// contentRange formats the Content-Range header for n bytes at offset.
// A zero-length request becomes "bytes */total".
func contentRange(offset, n, total int64) string {
	totalStr := "*"
	if total != SizeUnknown {
		totalStr = fmt.Sprintf("%d", total)
	}
	if n == 0 {
		return "bytes */" + totalStr
	}
	return fmt.Sprintf("bytes %d-%d/%s", offset, offset+n-1, totalStr)
}
