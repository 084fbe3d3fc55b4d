package downloader

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is an inclusive byte range, as used by the HTTP Range header.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by r.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Header renders r as a Range header value.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// SplitRanges partitions [0, total-1] into parts contiguous ranges. The last range
// absorbs the remainder of the division. When total is smaller than parts, total
// single-byte ranges are returned instead so that no range is empty.
func SplitRanges(total int64, parts int) []ByteRange {
	if total <= 0 || parts < 1 {
		return nil
	}

	if int64(parts) > total {
		parts = int(total)
	}

	chunk := total / int64(parts)
	ranges := make([]ByteRange, parts)

	var start int64
	for i := range ranges {
		end := start + chunk - 1
		if i == parts-1 {
			end = total - 1
		}

		ranges[i] = ByteRange{Start: start, End: end}
		start = end + 1
	}

	return ranges
}

// clampParts bounds the configured part count to [MinParts, MaxParts].
func clampParts(n int) int {
	return min(max(n, MinParts), MaxParts)
}

// ParseContentRange parses a Content-Range header value of the form
// "bytes start-end/total". Total is -1 when the server sends "*".
func ParseContentRange(header string) (rng ByteRange, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	bounds, size, ok := strings.Cut(spec, "/")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	first, last, ok := strings.Cut(bounds, "-")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	if rng.Start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return ByteRange{}, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	if rng.End, err = strconv.ParseInt(last, 10, 64); err != nil {
		return ByteRange{}, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if rng.End < rng.Start {
		return ByteRange{}, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	if size == "*" {
		return rng, -1, nil
	}

	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return ByteRange{}, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	return rng, total, nil
}
