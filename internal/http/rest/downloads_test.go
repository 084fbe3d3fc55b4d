package rest

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/aurora_downloader/internal/downloader"
	"github.com/italolelis/aurora_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu        sync.Mutex
	store     *downloader.Store
	enqueued  []string
	cancelled []string
	err       error
}

func newFakeService() *fakeService {
	return &fakeService{store: downloader.NewStore()}
}

func (f *fakeService) Enqueue(_ context.Context, rawURL, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := "id-" + name
	f.enqueued = append(f.enqueued, rawURL)

	return id, f.store.Insert(downloader.Item{
		ID:         id,
		URL:        rawURL,
		FileName:   name,
		TotalBytes: downloader.UnknownSize,
		Status:     downloader.StatusQueued,
		CreatedAt:  time.Now(),
	})
}

func (f *fakeService) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, id)
}

func (f *fakeService) Get(id string) (downloader.Item, bool) { return f.store.Get(id) }

func (f *fakeService) ListItems() []downloader.Item { return f.store.List() }

func (f *fakeService) Subscribe() (<-chan struct{}, func()) { return f.store.Subscribe() }

type fakeHistory struct {
	records []storage.DownloadRecord
	err     error
}

func (f *fakeHistory) GetDownloads(context.Context) ([]storage.DownloadRecord, error) {
	return f.records, f.err
}

func (f *fakeHistory) GetDownload(_ context.Context, id string) (storage.DownloadRecord, error) {
	for _, rec := range f.records {
		if rec.ID == id {
			return rec, nil
		}
	}

	return storage.DownloadRecord{}, storage.ErrNotFound
}

func newTestAPI(t *testing.T, svc DownloadService, history storage.DownloadReadRepository) (*httptest.Server, *Client) {
	t.Helper()

	srv := httptest.NewServer(NewDownloadsHandler("user", "secret", svc, history).Routes())
	t.Cleanup(srv.Close)

	return srv, NewClient(srv.URL, "user", "secret")
}

func TestDownloadsAPI_EnqueueListGet(t *testing.T) {
	svc := newFakeService()
	_, client := newTestAPI(t, svc, nil)
	ctx := context.Background()

	id, err := client.Add(ctx, "http://example.com/a.flac", "a.flac")
	require.NoError(t, err)
	assert.Equal(t, "id-a.flac", id)

	_, err = client.Add(ctx, "http://example.com/b.flac", "b.flac")
	require.NoError(t, err)

	items, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "id-b.flac", items[0].ID)
	assert.Equal(t, "Queued", items[0].Status)
	assert.Equal(t, int64(-1), items[0].TotalBytes)
	assert.Nil(t, items[0].FinishedAt)

	item, err := client.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a.flac", item.URL)

	_, err = client.Get(ctx, "nope")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestDownloadsAPI_EnqueueErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid url", downloader.ErrInvalidURL, http.StatusBadRequest},
		{"closed", downloader.ErrClosed, http.StatusServiceUnavailable},
		{"workspace", &downloader.WorkspaceError{Dir: "/x", Err: errors.New("read-only")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.err = tt.err
			_, client := newTestAPI(t, svc, nil)

			_, err := client.Add(context.Background(), "x", "")

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestDownloadsAPI_BadBody(t *testing.T) {
	srv, _ := newTestAPI(t, newFakeService(), nil)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/downloads", strings.NewReader("{"))
	require.NoError(t, err)
	req.SetBasicAuth("user", "secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadsAPI_Cancel(t *testing.T) {
	svc := newFakeService()
	_, client := newTestAPI(t, svc, nil)
	ctx := context.Background()

	id, err := client.Add(ctx, "http://example.com/a.flac", "a.flac")
	require.NoError(t, err)

	require.NoError(t, client.Cancel(ctx, id))
	assert.Equal(t, []string{id}, svc.cancelled)

	err = client.Cancel(ctx, "unknown")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestDownloadsAPI_BasicAuth(t *testing.T) {
	srv, _ := newTestAPI(t, newFakeService(), nil)

	_, err := NewClient(srv.URL, "", "").List(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = NewClient(srv.URL, "user", "wrong").List(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestDownloadsAPI_NoAuthWhenUnconfigured(t *testing.T) {
	srv := httptest.NewServer(NewDownloadsHandler("", "", newFakeService(), nil).Routes())
	defer srv.Close()

	items, err := NewClient(srv.URL, "", "").List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDownloadsAPI_History(t *testing.T) {
	finished := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)
	history := &fakeHistory{records: []storage.DownloadRecord{
		{ID: "a", Status: "Done", TotalBytes: 10, DownloadedBytes: 10, FinishedAt: finished},
		{ID: "b", Status: "Failed", LastError: "interrupted"},
	}}

	_, client := newTestAPI(t, newFakeService(), history)

	records, err := client.History(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, records[0].FinishedAt)
	assert.True(t, finished.Equal(*records[0].FinishedAt))
	assert.Equal(t, "interrupted", records[1].LastError)

	history.err = errors.New("db down")

	_, err = client.History(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestDownloadsAPI_Events(t *testing.T) {
	svc := newFakeService()
	srv, _ := newTestAPI(t, svc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/downloads/events", nil)
	require.NoError(t, err)
	req.SetBasicAuth("user", "secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)

	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				events <- line
			}
		}
	}()

	select {
	case first := <-events:
		assert.Equal(t, "[]", first)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial event")
	}

	_, err = svc.Enqueue(context.Background(), "http://example.com/a.flac", "a.flac")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Contains(t, ev, `"id":"id-a.flac"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event")
	}
}

func TestToDownloadResponse_Progress(t *testing.T) {
	resp := toDownloadResponse(downloader.Item{TotalBytes: 200, DownloadedBytes: 0, ReceivedBytes: 50})
	assert.InDelta(t, 25.0, resp.Progress, 0.001)

	resp = toDownloadResponse(downloader.Item{TotalBytes: downloader.UnknownSize, DownloadedBytes: 500})
	assert.Zero(t, resp.Progress)
}
