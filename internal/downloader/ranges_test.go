package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRanges_Coverage(t *testing.T) {
	totals := []int64{1, 2, 7, 11, 12, 13, 100, 4096, 5_000_001, 123_456_789}

	for _, total := range totals {
		for parts := 1; parts <= 12; parts++ {
			ranges := SplitRanges(total, parts)

			require.Len(t, ranges, int(min(int64(parts), total)), "total=%d parts=%d", total, parts)
			assert.Equal(t, int64(0), ranges[0].Start)
			assert.Equal(t, total-1, ranges[len(ranges)-1].End)

			var covered int64
			for i, r := range ranges {
				require.GreaterOrEqual(t, r.End, r.Start, "empty range %d for total=%d parts=%d", i, total, parts)

				if i > 0 {
					require.Equal(t, ranges[i-1].End+1, r.Start, "gap or overlap at %d for total=%d parts=%d", i, total, parts)
				}

				covered += r.Len()
			}

			assert.Equal(t, total, covered)
		}
	}
}

func TestSplitRanges_LastRangeAbsorbsRemainder(t *testing.T) {
	ranges := SplitRanges(10, 3)

	assert.Equal(t, []ByteRange{
		{Start: 0, End: 2},
		{Start: 3, End: 5},
		{Start: 6, End: 9},
	}, ranges)
}

func TestSplitRanges_InvalidInput(t *testing.T) {
	assert.Nil(t, SplitRanges(0, 4))
	assert.Nil(t, SplitRanges(-5, 4))
	assert.Nil(t, SplitRanges(100, 0))
}

func TestByteRange_Header(t *testing.T) {
	r := ByteRange{Start: 100, End: 199}

	assert.Equal(t, "bytes=100-199", r.Header())
	assert.Equal(t, int64(100), r.Len())
}

func TestClampParts(t *testing.T) {
	tests := map[int]int{0: 4, 1: 4, 4: 4, 6: 6, 12: 12, 13: 12, 64: 12}

	for in, want := range tests {
		assert.Equal(t, want, clampParts(in), in)
	}
}

func TestParseContentRange(t *testing.T) {
	rng, total, err := ParseContentRange("bytes 100-199/1000")
	require.NoError(t, err)
	assert.Equal(t, ByteRange{Start: 100, End: 199}, rng)
	assert.Equal(t, int64(1000), total)

	rng, total, err = ParseContentRange("bytes 0-9/*")
	require.NoError(t, err)
	assert.Equal(t, ByteRange{Start: 0, End: 9}, rng)
	assert.Equal(t, int64(-1), total)

	for _, header := range []string{"", "bytes */1000", "bytes 10-5/100", "items 0-9/10", "bytes 0-9", "bytes a-9/10", "bytes 0-9/x"} {
		_, _, err := ParseContentRange(header)
		assert.Error(t, err, header)
	}
}
