package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no history row exists for an id.
var ErrNotFound = errors.New("download not found")

// InterruptedError is the last error recorded for rows a previous process never finished.
const InterruptedError = "interrupted: process exited before the download finished"

// DownloadRecord is one row of download history.
type DownloadRecord struct {
	ID              string
	URL             string
	FileName        string
	SavePath        string
	TotalBytes      int64 // -1 when unknown
	DownloadedBytes int64
	Status          string
	LastError       string
	Instance        string
	CreatedAt       time.Time
	FinishedAt      time.Time // zero until terminal
}

// StatusUpdate is the terminal state written back for a tracked download.
type StatusUpdate struct {
	Status          string
	TotalBytes      int64
	DownloadedBytes int64
	LastError       string
	FinishedAt      time.Time
}

// DownloadReadRepository lists download history, newest first.
type DownloadReadRepository interface {
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	GetDownload(ctx context.Context, id string) (DownloadRecord, error)
}

// DownloadWriteRepository records downloads as they are enqueued and finish.
type DownloadWriteRepository interface {
	TrackDownload(ctx context.Context, rec DownloadRecord) error
	UpdateDownloadStatus(ctx context.Context, id string, update StatusUpdate) error
	// MarkInterrupted fails every unfinished row not owned by instance and
	// returns how many rows changed.
	MarkInterrupted(ctx context.Context, instance string) (int64, error)
}

// DownloadRepository is the full history repository.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
