package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/aurora_downloader/internal/downloader"
	"github.com/italolelis/aurora_downloader/internal/logctx"
)

// DeleteStalePartDirs removes part directories in dir that were left behind by a
// previous process and are older than olderThan. Directories whose download id
// inUse reports as active are skipped. It returns how many directories were removed.
func DeleteStalePartDirs(ctx context.Context, dir string, olderThan time.Duration, inUse func(id string) bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	now := time.Now()
	removed := 0

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if !entry.IsDir() {
			continue
		}

		id, ok := downloader.ParsePartsDirName(entry.Name())
		if !ok || (inUse != nil && inUse(id)) {
			continue
		}

		partsDir := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("Failed to stat part directory", "dir", partsDir, "err", err)

			continue
		}

		if now.Sub(info.ModTime()) < olderThan {
			continue
		}

		if err := os.RemoveAll(partsDir); err != nil {
			logger.Error("Failed to delete stale part directory", "dir", partsDir, "err", err)

			continue
		}

		logger.Info("Deleted stale part directory", "dir", partsDir, "download_id", id)

		removed++
	}

	return removed, nil
}

// Run sweeps dir immediately and then every interval until ctx is done.
func Run(ctx context.Context, dir string, interval, olderThan time.Duration, inUse func(id string) bool) {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := DeleteStalePartDirs(ctx, dir, 0, inUse); err != nil {
		logger.Error("Initial part directory sweep failed", "dir", dir, "err", err)
	}

	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := DeleteStalePartDirs(ctx, dir, olderThan, inUse); err != nil {
				logger.Error("Part directory sweep failed", "dir", dir, "err", err)
			}
		}
	}
}
