package youtube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// planAll walks the planner as if every range were acknowledged in full.
func planAll(t *testing.T, total, chunkSize int64) []ChunkRange {
	t.Helper()
	p := NewChunkPlanner(chunkSize)

	var ranges []ChunkRange
	var confirmed int64
	complete := false
	limit := 2
	if total > 0 {
		limit += int(total / p.ChunkSize)
	}
	for i := 0; ; i++ {
		require.Less(t, i, limit, "planner did not terminate")
		r, ok := p.next(confirmed, total, complete)
		if !ok {
			return ranges
		}
		ranges = append(ranges, r)
		confirmed = r.End()
		if total == 0 {
			complete = true
		}
	}
}

func TestChunkPlannerCoversPayload(t *testing.T) {
	sizes := []int64{1, 2, 7, 255, 256, 257, 1000, 4096, 65537, 1_000_000}
	chunks := []int64{1, 3, 256, 1000, 4096, 1 << 20}

	for _, total := range sizes {
		for _, chunk := range chunks {
			ranges := planAll(t, total, chunk)
			require.NotEmpty(t, ranges)

			var next int64
			for _, r := range ranges {
				assert.Equal(t, next, r.Offset, "gap or overlap for total=%d chunk=%d", total, chunk)
				assert.Positive(t, r.Length)
				assert.LessOrEqual(t, r.Length, chunk)
				next = r.End()
			}
			assert.Equal(t, total, ranges[len(ranges)-1].End(), "total=%d chunk=%d", total, chunk)
		}
	}
}

func TestChunkPlannerFiveChunks(t *testing.T) {
	ranges := planAll(t, 5_000_000, 1_000_000)
	require.Len(t, ranges, 5)
	for i, r := range ranges {
		assert.Equal(t, ChunkRange{Offset: int64(i) * 1_000_000, Length: 1_000_000}, r)
	}
}

func TestChunkPlannerEmptyPayload(t *testing.T) {
	ranges := planAll(t, 0, 1024)
	assert.Equal(t, []ChunkRange{{Offset: 0, Length: 0}}, ranges)
}

func TestChunkPlannerUnknownSize(t *testing.T) {
	p := NewChunkPlanner(100)
	r, ok := p.next(300, SizeUnknown, false)
	require.True(t, ok)
	assert.Equal(t, ChunkRange{Offset: 300, Length: 100}, r)

	_, ok = p.next(300, SizeUnknown, true)
	assert.False(t, ok)
}

func TestChunkPlannerResumesFromConfirmed(t *testing.T) {
	p := NewChunkPlanner(1000)
	r, ok := p.next(2500, 3000, false)
	require.True(t, ok)
	assert.Equal(t, ChunkRange{Offset: 2500, Length: 500}, r)

	_, ok = p.next(3000, 3000, false)
	assert.False(t, ok)
}

func TestNewChunkPlannerDefault(t *testing.T) {
	assert.Equal(t, int64(DefaultChunkSize), NewChunkPlanner(0).ChunkSize)
	assert.Equal(t, int64(DefaultChunkSize), NewChunkPlanner(-5).ChunkSize)
}

func TestContentRange(t *testing.T) {
	tests := []struct {
		offset, n, total int64
		want             string
	}{
		{0, 10, 100, "bytes 0-9/100"},
		{90, 10, 100, "bytes 90-99/100"},
		{0, 10, SizeUnknown, "bytes 0-9/*"},
		{0, 0, 0, "bytes */0"},
		{20, 0, 20, "bytes */20"},
		{0, 0, SizeUnknown, "bytes */*"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, contentRange(tt.offset, tt.n, tt.total))
	}
}
