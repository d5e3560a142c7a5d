package downloader

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/logctx"
)

const probeTimeout = 10 * time.Second

// Capability describes what the source server supports.
type Capability struct {
	SupportsRanges bool
	TotalBytes     int64 // download.TotalUnknown when the server reports no length
}

// Prober determines whether a source honors byte-range requests and how
// large the resource is. Failures here fail the download immediately;
// retries belong to chunk fetch, not probing.
type Prober struct {
	client *http.Client
}

func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = http.DefaultClient
	}

	return &Prober{client: client}
}

// Probe issues a HEAD request for the content length and Accept-Ranges
// header. When Accept-Ranges is absent, or advertised without a usable
// length, a one-byte range GET confirms whether the server actually
// answers with partial content.
func (p *Prober) Probe(ctx context.Context, url string) (Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	capability := Capability{TotalBytes: download.TotalUnknown}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return capability, &download.SourceUnavailableError{URL: url, Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return capability, &download.SourceUnavailableError{URL: url, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return capability, &download.SourceUnavailableError{URL: url, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength > 0 {
		capability.TotalBytes = resp.ContentLength
	}

	switch strings.ToLower(resp.Header.Get("Accept-Ranges")) {
	case "none":
		capability.SupportsRanges = false
	case "bytes":
		if capability.TotalBytes > 0 {
			capability.SupportsRanges = true

			break
		}

		// Ranges advertised but no length: the range probe below can still
		// recover the total from Content-Range.
		fallthrough
	default:
		// Header absent: some servers honor ranges without advertising them.
		supports, total, err := p.probeRange(ctx, url)
		if err != nil {
			logctx.LoggerFromContext(ctx).Debug("range probe failed, assuming no range support", "url", url, "err", err)

			return capability, nil
		}

		capability.SupportsRanges = supports

		if capability.TotalBytes <= 0 && total > 0 {
			capability.TotalBytes = total
		}

		capability.SupportsRanges = capability.SupportsRanges && capability.TotalBytes > 0
	}

	return capability, nil
}

// probeRange requests the first byte of the resource and checks for
// partial-content semantics. The total size is recovered from the
// Content-Range header ("bytes 0-0/N") when present.
func (p *Prober) probeRange(ctx context.Context, url string) (bool, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, err
	}

	req.Header.Set("Range", "bytes=0-0")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return false, 0, nil
	}

	return true, parseContentRangeTotal(resp.Header.Get("Content-Range")), nil
}

func parseContentRangeTotal(header string) int64 {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0
	}

	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return 0
	}

	return total
}

// String implements fmt.Stringer for log lines.
func (c Capability) String() string {
	return fmt.Sprintf("ranges=%t total=%d", c.SupportsRanges, c.TotalBytes)
}
