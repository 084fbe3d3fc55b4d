package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/aurora_downloader/internal/downloader/progress"
	"github.com/italolelis/aurora_downloader/internal/logctx"
	"github.com/italolelis/aurora_downloader/internal/telemetry"
)

const progressLogInterval = int64(100 * 1024 * 1024) // 100MB

// Request describes one transfer unit: a whole file or a single byte range.
type Request struct {
	URL   string
	Range *ByteRange
	Dest  string
	// Total is the full size of the remote file, used to validate the
	// Content-Range of a range response. Zero or negative skips that check.
	Total int64

	// OnStart, if set, receives the response Content-Length (-1 when absent)
	// before the first byte is written.
	OnStart func(contentLength int64)
	// OnProgress, if set, receives the cumulative bytes written after every chunk.
	OnProgress func(written int64)
}

// Executor streams GET responses to files.
type Executor struct {
	client     *http.Client
	bufferSize int
	telemetry  *telemetry.Telemetry
}

// NewExecutor returns an Executor reading with a buffer of bufferSize bytes.
func NewExecutor(client *http.Client, bufferSize int, tel *telemetry.Telemetry) *Executor {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Executor{client: client, bufferSize: bufferSize, telemetry: tel}
}

// Fetch runs req and returns the number of bytes written to req.Dest. A cancelled
// fetch returns an error matching context.Canceled (or the context's cause);
// every other failure is a *TransferError. Fetch never removes req.Dest, even
// after a failure.
func (e *Executor) Fetch(ctx context.Context, req Request) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, e.fail(req, 0, fmt.Errorf("create request: %w", err))
	}

	if req.Range != nil {
		httpReq.Header.Set("Range", req.Range.Header())
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return 0, e.fail(req, 0, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, req.Range, req.Total); err != nil {
		return 0, e.fail(req, resp.StatusCode, err)
	}

	if req.OnStart != nil {
		req.OnStart(resp.ContentLength)
	}

	out, err := os.Create(req.Dest)
	if err != nil {
		return 0, e.fail(req, 0, fmt.Errorf("create destination: %w", err))
	}

	written, err := e.copy(ctx, out, resp.Body, req, resp.ContentLength)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = e.fail(req, 0, fmt.Errorf("close destination: %w", closeErr))
	}

	if err != nil {
		return written, err
	}

	if req.Range != nil && written != req.Range.Len() {
		return written, e.fail(req, 0, fmt.Errorf("short range body: got %d of %d bytes", written, req.Range.Len()))
	}

	return written, nil
}

func (e *Executor) copy(ctx context.Context, out io.Writer, body io.Reader, req Request, total int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	pr := progress.NewReader(ctx, body, total, progressLogInterval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"dest", req.Dest,
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "dest", req.Dest, "downloaded", humanize.Bytes(uint64(read)))
		}
	})

	var written int64

	buf := make([]byte, e.bufferSize)

	for {
		n, readErr := pr.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return written, e.fail(req, 0, fmt.Errorf("write destination: %w", err))
			}

			written += int64(n)
			e.telemetry.RecordBytes(int64(n))

			if req.OnProgress != nil {
				req.OnProgress(written)
			}
		}

		if readErr == io.EOF {
			return written, nil
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}

			return written, e.fail(req, 0, readErr)
		}
	}
}

func (e *Executor) fail(req Request, status int, err error) error {
	return &TransferError{URL: req.URL, Range: req.Range, StatusCode: status, Err: err}
}

// checkResponse accepts any 2xx for whole-file requests. Range requests need a
// Content-Range naming exactly the requested bytes of a file of the expected
// size. A 200 without one means the server sent the whole body.
func checkResponse(resp *http.Response, rng *ByteRange, total int64) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(resp.Status)
	}

	if rng == nil {
		return nil
	}

	header := resp.Header.Get("Content-Range")
	if header == "" {
		if resp.StatusCode == http.StatusPartialContent {
			return errors.New("partial content without Content-Range")
		}

		return ErrRangeNotSupported
	}

	got, size, err := ParseContentRange(header)
	if err != nil {
		return err
	}

	if got != *rng {
		if resp.StatusCode != http.StatusPartialContent && got.Start == 0 && (size < 0 || got.End == size-1) {
			return ErrRangeNotSupported
		}

		return fmt.Errorf("server returned range %s, requested %s", got, rng)
	}

	if total > 0 && size >= 0 && size != total {
		return fmt.Errorf("remote size changed: expected %d bytes, server reports %d", total, size)
	}

	return nil
}
