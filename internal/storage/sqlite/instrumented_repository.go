package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/aurora_downloader/internal/storage"
	"github.com/italolelis/aurora_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownloads(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetDownload retrieves one download with telemetry.
func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownload(ctx, id)

		return err
	})

	return result, err
}

// TrackDownload records a new download with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_download", func(ctx context.Context) error {
		return r.repo.TrackDownload(ctx, rec)
	})
}

// UpdateDownloadStatus updates download status with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, id string, update storage.StatusUpdate) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, id, update)
	})
}

// MarkInterrupted fails stale rows with telemetry.
func (r *InstrumentedDownloadRepository) MarkInterrupted(ctx context.Context, instance string) (int64, error) {
	var affected int64

	err := r.telemetry.InstrumentDBOperation(ctx, "mark_interrupted", func(ctx context.Context) error {
		var err error

		affected, err = r.repo.MarkInterrupted(ctx, instance)

		return err
	})

	return affected, err
}
