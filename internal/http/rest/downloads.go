package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/aurora_downloader/internal/downloader"
	"github.com/italolelis/aurora_downloader/internal/logctx"
	"github.com/italolelis/aurora_downloader/internal/storage"
)

const maxRequestBody = 64 * 1024

// DownloadService is the part of the downloader the API drives.
type DownloadService interface {
	Enqueue(ctx context.Context, rawURL, suggestedName string) (string, error)
	Cancel(id string)
	Get(id string) (downloader.Item, bool)
	ListItems() []downloader.Item
	Subscribe() (<-chan struct{}, func())
}

type EnqueueRequest struct {
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
}

type EnqueueResponse struct {
	ID string `json:"id"`
}

type DownloadResponse struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	FileName        string     `json:"file_name"`
	SavePath        string     `json:"save_path"`
	Status          string     `json:"status"`
	TotalBytes      int64      `json:"total_bytes"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	ReceivedBytes   int64      `json:"received_bytes"`
	Parts           int        `json:"parts"`
	Progress        float64    `json:"progress"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Revision        uint64     `json:"revision"`
}

type HistoryRecord struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	FileName        string     `json:"file_name"`
	SavePath        string     `json:"save_path"`
	Status          string     `json:"status"`
	TotalBytes      int64      `json:"total_bytes"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	LastError       string     `json:"last_error,omitempty"`
	Instance        string     `json:"instance"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

type DownloadsHandler struct {
	username string
	password string
	svc      DownloadService
	history  storage.DownloadReadRepository
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced when
// username is not empty; history may be nil.
func NewDownloadsHandler(username, password string, svc DownloadService, history storage.DownloadReadRepository) *DownloadsHandler {
	return &DownloadsHandler{
		username: username,
		password: password,
		svc:      svc,
		history:  history,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleEnqueue)
		r.Get("/", h.HandleList)
		r.Get("/events", h.HandleEvents)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleCancel)
	})
	r.Get("/history", h.HandleHistory)

	return r
}

// HandleEnqueue queues a new download.
func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	id, err := h.svc.Enqueue(r.Context(), req.URL, req.FileName)
	if err != nil {
		var wsErr *downloader.WorkspaceError

		switch {
		case errors.Is(err, downloader.ErrInvalidURL):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, downloader.ErrClosed):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.As(err, &wsErr):
			logger.Error("failed to prepare workspace", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			logger.Error("failed to enqueue download", "err", err)
			http.Error(w, "failed to enqueue download", http.StatusInternalServerError)
		}

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, EnqueueResponse{ID: id})
}

// HandleList returns every download, newest first.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, toDownloadResponses(h.svc.ListItems()))
}

// HandleGet returns one download.
func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, ok := h.svc.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, toDownloadResponse(item))
}

// HandleCancel requests cancellation. Cancelling a finished download is accepted and does nothing.
func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok := h.svc.Get(id); !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	h.svc.Cancel(id)

	w.WriteHeader(http.StatusAccepted)
}

// HandleEvents streams a "changed" server-sent event, carrying the full item
// list, after every change until the client goes away.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	rc := http.NewResponseController(w)

	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("failed to clear write deadline", "err", err)
	}

	changes, unsubscribe := h.svc.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func() bool {
		data, err := json.Marshal(toDownloadResponses(h.svc.ListItems()))
		if err != nil {
			logger.Error("failed to marshal items", "err", err)

			return false
		}

		if _, err := fmt.Fprintf(w, "event: changed\ndata: %s\n\n", data); err != nil {
			return false
		}

		if err := rc.Flush(); err != nil {
			logger.Debug("failed to flush event", "err", err)

			return false
		}

		return true
	}

	if !send() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case _, open := <-changes:
			if !open || !send() {
				return
			}
		}
	}
}

// HandleHistory returns the persisted download history.
func (h *DownloadsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if h.history == nil {
		writeJSON(r.Context(), w, http.StatusOK, []HistoryRecord{})

		return
	}

	records, err := h.history.GetDownloads(r.Context())
	if err != nil {
		logger.Error("failed to load history", "err", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)

		return
	}

	out := make([]HistoryRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, HistoryRecord{
			ID:              rec.ID,
			URL:             rec.URL,
			FileName:        rec.FileName,
			SavePath:        rec.SavePath,
			Status:          rec.Status,
			TotalBytes:      rec.TotalBytes,
			DownloadedBytes: rec.DownloadedBytes,
			LastError:       rec.LastError,
			Instance:        rec.Instance,
			CreatedAt:       rec.CreatedAt,
			FinishedAt:      timePtr(rec.FinishedAt),
		})
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="aurora_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func toDownloadResponses(items []downloader.Item) []DownloadResponse {
	out := make([]DownloadResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toDownloadResponse(item))
	}

	return out
}

func toDownloadResponse(item downloader.Item) DownloadResponse {
	var progress float64
	if item.TotalBytes > 0 {
		progress = float64(max(item.DownloadedBytes, item.ReceivedBytes)) * 100 / float64(item.TotalBytes)
	}

	return DownloadResponse{
		ID:              item.ID,
		URL:             item.URL,
		FileName:        item.FileName,
		SavePath:        item.SavePath,
		Status:          string(item.Status),
		TotalBytes:      item.TotalBytes,
		DownloadedBytes: item.DownloadedBytes,
		ReceivedBytes:   item.ReceivedBytes,
		Parts:           item.Parts,
		Progress:        min(progress, 100),
		LastError:       item.LastError,
		CreatedAt:       item.CreatedAt,
		FinishedAt:      timePtr(item.FinishedAt),
		Revision:        item.Revision,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
