package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/italolelis/aurora_downloader/internal/logctx"
	"golang.org/x/sync/errgroup"
)

const assembledName = "assembled"

// downloadMultipart fetches item as parallel byte ranges. A server that turns out
// to ignore ranges gets a second attempt as a single stream.
func (d *Downloader) downloadMultipart(ctx context.Context, item Item) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if !item.HasTotal() {
		return strategySingle, d.downloadSingle(ctx, item)
	}

	err := d.multipart(ctx, item)
	if errors.Is(err, ErrRangeNotSupported) && ctx.Err() == nil {
		logger.WarnContext(ctx, "server ignored byte ranges, falling back to single stream", "url", item.URL)

		return strategySingle, d.downloadSingle(ctx, item)
	}

	return strategyMultipart, err
}

func (d *Downloader) multipart(ctx context.Context, item Item) error {
	logger := logctx.LoggerFromContext(ctx)

	ranges := SplitRanges(item.TotalBytes, clampParts(d.parts))
	if len(ranges) == 0 {
		return &TransferError{URL: item.URL, Err: fmt.Errorf("cannot split %d bytes", item.TotalBytes)}
	}

	item, err := d.transition(item.ID, StatusDownloadingMultipart, func(it Item) Item {
		it.Parts = len(ranges)
		it.ReceivedBytes = 0
		it.DownloadedBytes = 0

		return it
	})
	if err != nil {
		return err
	}

	dir := PartsDir(item.SavePath, item.ID)
	if err := os.Mkdir(dir, partsDirPerm); err != nil {
		return &WorkspaceError{Dir: dir, Err: err}
	}

	partFiles := make([]string, len(ranges))
	for i := range ranges {
		partFiles[i] = filepath.Join(dir, fmt.Sprintf("part-%03d", i))
	}

	assembled := filepath.Join(dir, assembledName)

	defer cleanupParts(ctx, dir, append(partFiles, assembled))

	logger.InfoContext(ctx, "downloading file", "strategy", strategyMultipart, "parts", len(ranges), "save_path", item.SavePath)

	if err := d.fetchParts(ctx, item, ranges, partFiles); err != nil {
		return err
	}

	if err := reassemble(ctx, assembled, partFiles); err != nil {
		return err
	}

	if err := os.Rename(assembled, item.SavePath); err != nil {
		return &ReassemblyError{Path: item.SavePath, Err: err}
	}

	d.store.Update(item.ID, func(it Item) Item {
		it.DownloadedBytes = it.TotalBytes
		it.ReceivedBytes = it.TotalBytes

		return it
	})

	return nil
}

// fetchParts downloads every range concurrently. The first failure cancels the rest.
func (d *Downloader) fetchParts(ctx context.Context, item Item, ranges []ByteRange, partFiles []string) error {
	g, gctx := errgroup.WithContext(ctx)

	var received atomic.Int64

	for i, rng := range ranges {
		g.Go(func() error {
			return d.telemetry.InstrumentPart(gctx, func(ctx context.Context) error {
				var last int64

				_, err := d.executor.Fetch(ctx, Request{
					URL:   item.URL,
					Range: &rng,
					Total: item.TotalBytes,
					Dest:  partFiles[i],
					OnProgress: func(written int64) {
						sum := received.Add(written - last)
						last = written

						d.store.Update(item.ID, func(it Item) Item {
							it.ReceivedBytes = max(it.ReceivedBytes, sum)

							return it
						})
					},
				})

				return err
			})
		})
	}

	return g.Wait()
}

// reassemble concatenates partFiles, in order, into dst.
func reassemble(ctx context.Context, dst string, partFiles []string) error {
	out, err := os.Create(dst)
	if err != nil {
		return &ReassemblyError{Path: dst, Err: err}
	}

	for _, p := range partFiles {
		if err := ctx.Err(); err != nil {
			out.Close()

			return err
		}

		if err := appendFile(out, p); err != nil {
			out.Close()

			return &ReassemblyError{Path: dst, Err: err}
		}
	}

	if err := out.Close(); err != nil {
		return &ReassemblyError{Path: dst, Err: err}
	}

	return nil
}

func appendFile(out io.Writer, p string) error {
	in, err := os.Open(p)
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = io.Copy(out, in)

	return err
}

// cleanupParts removes every file and then dir. Failures are only logged.
func cleanupParts(ctx context.Context, dir string, files []string) {
	logger := logctx.LoggerFromContext(ctx)

	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnContext(ctx, "failed to remove part file", "path", f, "err", err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		logger.WarnContext(ctx, "failed to remove part directory", "dir", dir, "err", err)
	}
}
