package downloader

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/aurora_downloader/internal/logctx"
	"github.com/italolelis/aurora_downloader/internal/telemetry"
)

// Capabilities is what a HEAD request revealed about a remote file.
type Capabilities struct {
	Size         int64 // UnknownSize when the server did not say
	AcceptRanges bool
}

// degraded is the answer when nothing could be learned.
var degraded = Capabilities{Size: UnknownSize}

// Prober issues HEAD requests to discover size and range support.
type Prober struct {
	client    *http.Client
	timeout   time.Duration
	telemetry *telemetry.Telemetry
}

// NewProber returns a Prober bounding every probe by timeout.
func NewProber(client *http.Client, timeout time.Duration, tel *telemetry.Telemetry) *Prober {
	return &Prober{client: client, timeout: timeout, telemetry: tel}
}

// Probe never fails: any problem degrades to unknown size without range support,
// which only forces the single-stream strategy.
func (p *Prober) Probe(ctx context.Context, rawURL string) Capabilities {
	logger := logctx.LoggerFromContext(ctx)

	caps, err := p.head(ctx, rawURL)
	if err != nil {
		logger.WarnContext(ctx, "capability probe failed, falling back to single stream", "url", rawURL, "err", err)
		p.telemetry.RecordProbe("degraded")

		return degraded
	}

	logger.DebugContext(ctx, "capability probe finished", "size", caps.Size, "accept_ranges", caps.AcceptRanges)
	p.telemetry.RecordProbe("ok")

	return caps
}

func (p *Prober) head(ctx context.Context, rawURL string) (Capabilities, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return degraded, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return degraded, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return degraded, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	size := resp.ContentLength
	if size < 0 {
		size = UnknownSize
	}

	return Capabilities{Size: size, AcceptRanges: acceptsByteRanges(resp.Header)}, nil
}

func acceptsByteRanges(h http.Header) bool {
	for _, value := range h.Values("Accept-Ranges") {
		for _, unit := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(unit), "bytes") {
				return true
			}
		}
	}

	return false
}
