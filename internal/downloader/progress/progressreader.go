package progress

import (
	"context"
	"io"
)

// ProgressReader wraps an io.Reader, refusing to read once its context is done and
// reporting cumulative progress via a callback.
type ProgressReader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64 // may be zero or negative when unknown
	onProgress     func(read int64, total int64)
	totalRead      int64
	lastReport     int64 // totalRead at the last report
	reportInterval int64 // bytes; zero reports on every read
}

// NewReader returns a ProgressReader. cb may be nil. It is invoked once every
// interval bytes and once each time another tenth of total is crossed.
func NewReader(ctx context.Context, r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *ProgressReader {
	return &ProgressReader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		prev := pr.totalRead
		pr.totalRead += int64(n)

		if pr.shouldReport(prev) {
			pr.lastReport = pr.totalRead
			if pr.onProgress != nil {
				pr.onProgress(pr.totalRead, pr.total)
			}
		}
	}

	return n, err
}

// BytesRead returns the cumulative number of bytes read so far.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.totalRead
}

func (pr *ProgressReader) shouldReport(prev int64) bool {
	if pr.totalRead-pr.lastReport >= pr.reportInterval {
		return true
	}

	return pr.total > 0 && pr.totalRead*10/pr.total > prev*10/pr.total
}
