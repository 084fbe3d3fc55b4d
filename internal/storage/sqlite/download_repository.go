package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/aurora_downloader/internal/storage"
)

// timeLayout has a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const selectColumns = `id, url, file_name, save_path, total_bytes, downloaded_bytes, status, last_error, instance, created_at, finished_at`

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// TrackDownload inserts a newly enqueued download.
func (r *DownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (id, url, file_name, save_path, total_bytes, downloaded_bytes, status, last_error, instance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.URL, rec.FileName, rec.SavePath, rec.TotalBytes, rec.DownloadedBytes,
		rec.Status, rec.LastError, rec.Instance, rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to track download %s: %w", rec.ID, err)
	}

	return nil
}

// UpdateDownloadStatus writes the terminal state of a download.
func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, id string, u storage.StatusUpdate) error {
	var finishedAt any
	if !u.FinishedAt.IsZero() {
		finishedAt = u.FinishedAt.UTC().Format(timeLayout)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, total_bytes = ?, downloaded_bytes = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		u.Status, u.TotalBytes, u.DownloadedBytes, u.LastError, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update download %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}

	return nil
}

// MarkInterrupted fails rows left unfinished by other instances.
func (r *DownloadRepository) MarkInterrupted(ctx context.Context, instance string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = 'Failed', last_error = ?, finished_at = ?
		WHERE status NOT IN ('Done', 'Cancelled', 'Failed') AND instance != ?`,
		storage.InterruptedError, time.Now().UTC().Format(timeLayout), instance,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted downloads: %w", err)
	}

	return res.RowsAffected()
}

// GetDownloads returns every tracked download, newest first.
func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM downloads ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, rec)
	}

	return downloads, rows.Err()
}

// GetDownload returns one download or storage.ErrNotFound.
func (r *DownloadRepository) GetDownload(ctx context.Context, id string) (storage.DownloadRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadRecord{}, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}

	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.DownloadRecord, error) {
	var (
		rec        storage.DownloadRecord
		createdAt  string
		finishedAt sql.NullString
	)

	err := s.Scan(&rec.ID, &rec.URL, &rec.FileName, &rec.SavePath, &rec.TotalBytes, &rec.DownloadedBytes,
		&rec.Status, &rec.LastError, &rec.Instance, &createdAt, &finishedAt)
	if err != nil {
		return rec, err
	}

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}

	if finishedAt.Valid && finishedAt.String != "" {
		if rec.FinishedAt, err = parseTime(finishedAt.String); err != nil {
			return rec, err
		}
	}

	return rec, nil
}

// parseTime accepts both the RFC3339 text we write and the layout the sqlite3
// driver produces when it converts DATETIME columns itself.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
