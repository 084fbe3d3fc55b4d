package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/aurora_downloader/internal/storage"
	"github.com/stretchr/testify/require"
)

// testContent returns n deterministic, non-repeating-per-part bytes.
func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}

	return b
}

type serverOptions struct {
	noRanges    bool // HEAD does not advertise ranges and GET ignores them
	ignoreRange bool // HEAD advertises ranges but GET always returns the whole body
	shiftRange  bool // answer every range from offset zero, with a matching Content-Range
	rangeTotal  int  // total reported in Content-Range, when not the real size
	headStatus  int
	getStatus   int
	abortAfter  int           // abort the connection after this many body bytes
	stall       chan struct{} // send the first KiB, then wait for close or client cancel
}

type fileServer struct {
	*httptest.Server

	content []byte
	gets    atomic.Int32
	ranged  atomic.Int32
	release func()
}

func newFileServer(t *testing.T, content []byte, opts serverOptions) *fileServer {
	t.Helper()

	s := &fileServer{content: content, release: func() {}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, opts)
	}))
	t.Cleanup(s.Close)

	if opts.stall != nil {
		var once sync.Once

		s.release = func() { once.Do(func() { close(opts.stall) }) }
		t.Cleanup(s.release)
	}

	return s
}

func (s *fileServer) serve(w http.ResponseWriter, r *http.Request, opts serverOptions) {
	if r.Method == http.MethodHead {
		if opts.headStatus != 0 {
			w.WriteHeader(opts.headStatus)

			return
		}

		if !opts.noRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(s.content)))

		return
	}

	s.gets.Add(1)

	if opts.getStatus != 0 {
		http.Error(w, http.StatusText(opts.getStatus), opts.getStatus)

		return
	}

	body := s.content
	status := http.StatusOK

	if rng := r.Header.Get("Range"); rng != "" && !opts.noRanges && !opts.ignoreRange {
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil || end >= len(s.content) {
			http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)

			return
		}

		s.ranged.Add(1)

		if opts.shiftRange {
			start, end = 0, end-start
		}

		total := len(s.content)
		if opts.rangeTotal > 0 {
			total = opts.rangeTotal
		}

		body = s.content[start : end+1]
		status = http.StatusPartialContent

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)

	if opts.abortAfter > 0 {
		_, _ = w.Write(body[:min(opts.abortAfter, len(body))])
		w.(http.Flusher).Flush()

		panic(http.ErrAbortHandler)
	}

	if opts.stall != nil {
		n := min(1024, len(body))
		_, _ = w.Write(body[:n])
		w.(http.Flusher).Flush()

		select {
		case <-opts.stall:
		case <-r.Context().Done():
			return
		}

		body = body[n:]
	}

	_, _ = w.Write(body)
}

func newTestDownloader(t *testing.T, opts Options) *Downloader {
	t.Helper()

	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = t.TempDir()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient(10 * time.Second)
	}

	d, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return d
}

// waitForItem polls until cond holds for the snapshot of id.
func waitForItem(t *testing.T, d *Downloader, id string, cond func(Item) bool) Item {
	t.Helper()

	var last Item

	require.Eventually(t, func() bool {
		item, ok := d.Get(id)
		last = item

		return ok && cond(item)
	}, 10*time.Second, 5*time.Millisecond, "item %s never reached the expected state", id)

	return last
}

func isTerminal(item Item) bool { return item.Status.IsTerminal() }

type fakeRepository struct {
	mu      sync.Mutex
	tracked []storage.DownloadRecord
	updates map[string]storage.StatusUpdate
}

func (r *fakeRepository) TrackDownload(_ context.Context, rec storage.DownloadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracked = append(r.tracked, rec)

	return nil
}

func (r *fakeRepository) UpdateDownloadStatus(_ context.Context, id string, u storage.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.updates == nil {
		r.updates = make(map[string]storage.StatusUpdate)
	}

	r.updates[id] = u

	return nil
}

func (r *fakeRepository) MarkInterrupted(context.Context, string) (int64, error) {
	return 0, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.messages = append(n.messages, content)

	return nil
}
