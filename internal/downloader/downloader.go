package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/aurora_downloader/internal/logctx"
	"github.com/italolelis/aurora_downloader/internal/notifier"
	"github.com/italolelis/aurora_downloader/internal/storage"
	"github.com/italolelis/aurora_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultMaxConcurrent            = 3
	DefaultParts                    = 6
	MinParts                        = 4
	MaxParts                        = 12
	DefaultMultipartThreshold int64 = 5_000_000
	DefaultBufferSize               = 81920
	DefaultProbeTimeout             = 10 * time.Second
	DefaultRequestTimeout           = 30 * time.Minute

	dirPerm      = 0o755
	partsDirPerm = 0o700

	strategyNone      = "none"
	strategySingle    = "single"
	strategyMultipart = "multipart"
)

// Options configures a Downloader. Zero values select the defaults above.
type Options struct {
	WorkspaceDir       string
	MaxConcurrent      int
	Parts              int
	MultipartThreshold int64
	BufferSize         int
	ProbeTimeout       time.Duration

	HTTPClient *http.Client
	Repository storage.DownloadWriteRepository
	Notifier   notifier.Notifier
	Telemetry  *telemetry.Telemetry
	InstanceID string
}

// NewHTTPClient returns the client used for probes and transfers. Compression is
// disabled so Content-Length and byte ranges always refer to the stored bytes.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true

	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}

// Downloader schedules downloads, owns their item snapshots and runs at most
// MaxConcurrent of them at a time.
type Downloader struct {
	workspace  string
	parts      int
	threshold  int64
	instanceID string

	store    *Store
	gate     *Gate
	prober   *Prober
	executor *Executor

	repo      storage.DownloadWriteRepository
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Downloader whose downloads are cancelled when ctx is done.
func New(ctx context.Context, opts Options) (*Downloader, error) {
	if strings.TrimSpace(opts.WorkspaceDir) == "" {
		return nil, errors.New("workspace directory is required")
	}

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	if opts.Parts <= 0 {
		opts.Parts = DefaultParts
	}

	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = DefaultMultipartThreshold
	}

	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient(DefaultRequestTimeout)
	}

	if opts.InstanceID == "" {
		opts.InstanceID = GenerateInstanceID()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Downloader{
		workspace:  opts.WorkspaceDir,
		parts:      opts.Parts,
		threshold:  opts.MultipartThreshold,
		instanceID: opts.InstanceID,
		store:      NewStore(),
		gate:       NewGate(opts.MaxConcurrent),
		prober:     NewProber(opts.HTTPClient, opts.ProbeTimeout, opts.Telemetry),
		executor:   NewExecutor(opts.HTTPClient, opts.BufferSize, opts.Telemetry),
		repo:       opts.Repository,
		notifier:   opts.Notifier,
		telemetry:  opts.Telemetry,
		ctx:        ctx,
		cancel:     cancel,
		cancels:    make(map[string]context.CancelFunc),
	}, nil
}

// Enqueue registers a download of rawURL and schedules it. It returns as soon as
// the Queued item is visible; the transfer itself runs in the background.
// An empty suggestedName is guessed from the URL path.
func (d *Downloader) Enqueue(ctx context.Context, rawURL, suggestedName string) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	if err := os.MkdirAll(d.workspace, dirPerm); err != nil {
		return "", &WorkspaceError{Dir: d.workspace, Err: err}
	}

	name := suggestedName
	if strings.TrimSpace(name) == "" {
		name = GuessFileName(u.String())
	}

	name = SanitizeFileName(name)

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return "", ErrClosed
	}

	savePath, err := uniqueSavePath(d.workspace, name, d.pathTaken)
	if err != nil {
		d.mu.Unlock()

		return "", &WorkspaceError{Dir: d.workspace, Err: err}
	}

	item := Item{
		ID:         newItemID(),
		URL:        u.String(),
		FileName:   filepath.Base(savePath),
		SavePath:   savePath,
		TotalBytes: UnknownSize,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}

	if err := d.store.Insert(item); err != nil {
		d.mu.Unlock()

		return "", err
	}

	itemCtx, cancel := context.WithCancel(d.ctx)
	d.cancels[item.ID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	logger.Info("download queued", "download_id", item.ID, "url", item.URL, "save_path", item.SavePath)

	d.track(ctx, item)

	go d.run(itemCtx, item.ID)

	return item.ID, nil
}

// Cancel requests cancellation of id. Unknown and finished ids are ignored.
func (d *Downloader) Cancel(id string) {
	d.mu.Lock()
	cancel, ok := d.cancels[id]
	d.mu.Unlock()

	if ok {
		cancel()
	}
}

// ListItems returns a snapshot of every item, newest first.
func (d *Downloader) ListItems() []Item {
	return d.store.List()
}

// Get returns the current snapshot of id.
func (d *Downloader) Get(id string) (Item, bool) {
	return d.store.Get(id)
}

// Subscribe is Store.Subscribe: a signal after item changes.
func (d *Downloader) Subscribe() (<-chan struct{}, func()) {
	return d.store.Subscribe()
}

// IsActive reports whether id has been scheduled and its orchestration has not returned.
func (d *Downloader) IsActive(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.cancels[id]

	return ok
}

// InstanceID identifies this process in the download history.
func (d *Downloader) InstanceID() string {
	return d.instanceID
}

// Wait blocks until every scheduled download has reached a terminal state.
func (d *Downloader) Wait() {
	d.wg.Wait()
}

// Close stops accepting downloads, cancels the running ones and waits for them.
func (d *Downloader) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// pathTaken is called with d.mu held.
func (d *Downloader) pathTaken(p string) bool {
	_, ok := d.store.Find(func(item Item) bool { return item.SavePath == p })

	return ok
}

func (d *Downloader) forget(id string) {
	d.mu.Lock()
	cancel := d.cancels[id]
	delete(d.cancels, id)
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (d *Downloader) run(ctx context.Context, id string) {
	defer d.wg.Done()
	defer d.forget(id)

	ctx, _ = logctx.With(ctx, "download_id", id)

	var item Item

	if err := d.gate.Acquire(ctx); err != nil {
		item = d.finish(ctx, id, err, strategyNone, time.Now())
	} else {
		item = d.download(ctx, id)
	}

	d.afterTerminal(ctx, item)
}

// download holds a gate slot until the terminal snapshot is committed.
func (d *Downloader) download(ctx context.Context, id string) Item {
	defer d.gate.Release()

	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()
	strategy := strategyNone

	err := d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "download panicked", "panic", r, "stack", string(debug.Stack()))

				err = fmt.Errorf("panic: %v", r)
			}
		}()

		strategy, err = d.orchestrate(ctx, id)

		return err
	})

	return d.finish(ctx, id, err, strategy, start)
}

func (d *Downloader) orchestrate(ctx context.Context, id string) (string, error) {
	item, err := d.transition(id, StatusPreparing, func(it Item) Item {
		it.LastError = ""

		return it
	})
	if err != nil {
		return strategyNone, err
	}

	caps := d.prober.Probe(ctx, item.URL)
	if err := ctx.Err(); err != nil {
		return strategyNone, err
	}

	if caps.Size != UnknownSize {
		item, err = d.transition(id, StatusPreparing, func(it Item) Item {
			it.TotalBytes = caps.Size

			return it
		})
		if err != nil {
			return strategyNone, err
		}
	}

	if caps.AcceptRanges && item.HasTotal() && item.TotalBytes > d.threshold {
		return d.downloadMultipart(ctx, item)
	}

	return strategySingle, d.downloadSingle(ctx, item)
}

func (d *Downloader) downloadSingle(ctx context.Context, item Item) error {
	logger := logctx.LoggerFromContext(ctx)

	_, err := d.transition(item.ID, StatusDownloading, func(it Item) Item {
		it.Parts = 0
		it.ReceivedBytes = 0
		it.DownloadedBytes = 0

		return it
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "downloading file", "strategy", strategySingle, "save_path", item.SavePath)

	written, err := d.executor.Fetch(ctx, Request{
		URL:  item.URL,
		Dest: item.SavePath,
		OnStart: func(contentLength int64) {
			if contentLength < 0 {
				return
			}

			d.store.Update(item.ID, func(it Item) Item {
				it.TotalBytes = contentLength

				return it
			})
		},
		OnProgress: func(written int64) {
			d.store.Update(item.ID, func(it Item) Item {
				it.DownloadedBytes = written
				it.ReceivedBytes = written

				return it
			})
		},
	})
	if err == nil {
		if current, ok := d.store.Get(item.ID); ok && current.HasTotal() && written != current.TotalBytes {
			err = &TransferError{URL: item.URL, Err: fmt.Errorf("size mismatch: got %d of %d bytes", written, current.TotalBytes)}
		}
	}

	if err != nil {
		removeFile(ctx, item.SavePath)

		return err
	}

	return nil
}

// finish commits the terminal snapshot for id.
func (d *Downloader) finish(ctx context.Context, id string, err error, strategy string, start time.Time) Item {
	logger := logctx.LoggerFromContext(ctx)

	item, ok := d.store.Update(id, func(it Item) Item {
		it.FinishedAt = time.Now().UTC()

		switch {
		case err == nil:
			it.Status = StatusDone
			it.LastError = ""

			if it.HasTotal() {
				it.DownloadedBytes = it.TotalBytes
			} else {
				it.TotalBytes = it.DownloadedBytes
			}

			it.ReceivedBytes = max(it.ReceivedBytes, it.DownloadedBytes)
		case ctx.Err() != nil:
			it.Status = StatusCancelled
			it.LastError = ErrCancelled.Error()
		default:
			it.Status = StatusFailed
			it.LastError = err.Error()
		}

		return it
	})
	if !ok {
		return item
	}

	d.telemetry.RecordDownload(string(item.Status), strategy, time.Since(start))

	switch item.Status {
	case StatusDone:
		logger.InfoContext(ctx, "download finished",
			"save_path", item.SavePath,
			"size", humanize.Bytes(uint64(item.TotalBytes)),
			"strategy", strategy,
			"elapsed", time.Since(start).Round(time.Millisecond))
	case StatusCancelled:
		logger.InfoContext(ctx, "download cancelled", "save_path", item.SavePath)
	default:
		logger.ErrorContext(ctx, "download failed", "save_path", item.SavePath, "strategy", strategy, "err", err)
	}

	return item
}

// afterTerminal updates the history and notifies. Failures are logged only.
func (d *Downloader) afterTerminal(ctx context.Context, item Item) {
	if !item.Status.IsTerminal() {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if d.repo != nil {
		err := d.repo.UpdateDownloadStatus(ctx, item.ID, storage.StatusUpdate{
			Status:          string(item.Status),
			TotalBytes:      item.TotalBytes,
			DownloadedBytes: item.DownloadedBytes,
			LastError:       item.LastError,
			FinishedAt:      item.FinishedAt,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to update download history", "err", err)
		}
	}

	if d.notifier == nil {
		return
	}

	var msg string

	switch item.Status {
	case StatusDone:
		msg = fmt.Sprintf("Download finished: %s (%s)", item.FileName, humanize.Bytes(uint64(max(item.TotalBytes, 0))))
	case StatusFailed:
		msg = fmt.Sprintf("Download failed: %s: %s", item.FileName, item.LastError)
	default:
		return
	}

	if err := d.notifier.Notify(ctx, msg); err != nil {
		logger.ErrorContext(ctx, "failed to send notification", "err", err)
	}
}

func (d *Downloader) track(ctx context.Context, item Item) {
	if d.repo == nil {
		return
	}

	err := d.repo.TrackDownload(context.WithoutCancel(ctx), storage.DownloadRecord{
		ID:         item.ID,
		URL:        item.URL,
		FileName:   item.FileName,
		SavePath:   item.SavePath,
		TotalBytes: item.TotalBytes,
		Status:     string(item.Status),
		Instance:   d.instanceID,
		CreatedAt:  item.CreatedAt,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to track download", "download_id", item.ID, "err", err)
	}
}

// transition moves id to status, applying fn to the snapshot in the same commit.
// Only the goroutine running id calls it, so the check and the update cannot race
// with another transition.
func (d *Downloader) transition(id string, status Status, fn func(Item) Item) (Item, error) {
	current, ok := d.store.Get(id)
	if !ok {
		return current, fmt.Errorf("unknown item %s", id)
	}

	if !current.Status.CanTransition(status) {
		return current, fmt.Errorf("invalid transition from %q to %q", current.Status, status)
	}

	next, ok := d.store.Update(id, func(it Item) Item {
		it = fn(it)
		it.Status = status

		return it
	})
	if !ok {
		return next, fmt.Errorf("invalid transition from %q to %q", next.Status, status)
	}

	return next, nil
}

func removeFile(ctx context.Context, p string) {
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove incomplete file", "path", p, "err", err)
	}
}
