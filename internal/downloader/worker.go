package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/xtreamdl/media_downloader/internal/download"
)

const copyBufferSize = 64 * 1024

// chunkDelta is the only way a worker communicates progress: the coordinator
// owns the counters and applies deltas as they arrive. A negative n resets
// the chunk's progress (stream fallback restarting from zero).
type chunkDelta struct {
	index int
	n     int64
	total int64 // >0 announces a late-discovered content length
}

// chunkWorker fetches one byte range of the resource and writes it to the
// destination file at absolute offsets. The file handle is shared across
// workers; ranges are disjoint so positioned writes never overlap.
type chunkWorker struct {
	client     *http.Client
	url        string
	file       *os.File
	limiter    *SpeedLimiter
	chunk      download.Chunk // copy; Written carries the resume offset
	deltas     chan<- chunkDelta
	maxRetries int
	inactivity time.Duration

	// stream marks the single full-stream fallback chunk. supportsRanges
	// then decides whether a retry may resume mid-stream or must restart
	// from byte zero.
	stream         bool
	supportsRanges bool

	written int64
}

// run fetches the worker's range, retrying the remainder on transient
// failures with exponential backoff. Returns nil on success, a
// ChunkExhaustedError when the retry budget is spent, or a WriteError /
// context error immediately.
func (w *chunkWorker) run(ctx context.Context) error {
	w.written = w.chunk.Written

	operation := func() (int64, error) {
		var err error
		if w.stream {
			err = w.fetchStream(ctx)
		} else {
			err = w.fetchRange(ctx)
		}

		if err == nil {
			return w.written, nil
		}

		var writeErr *download.WriteError
		if errors.As(err, &writeErr) || ctx.Err() != nil {
			return 0, backoff.Permanent(err)
		}

		return 0, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(w.maxRetries+1)),
	)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	var writeErr *download.WriteError
	if errors.As(err, &writeErr) {
		return err
	}

	var transient *download.ChunkTransientError
	if errors.As(err, &transient) {
		return &download.ChunkExhaustedError{Index: w.chunk.Index, Attempts: w.maxRetries + 1, Err: err}
	}

	return err
}

// fetchRange requests [start+written, end) and streams it into the file.
func (w *chunkWorker) fetchRange(ctx context.Context) error {
	start := w.chunk.Start + w.written
	if start >= w.chunk.End {
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, w.url, nil)
	if err != nil {
		return &download.ChunkTransientError{Index: w.chunk.Index, Reason: "build request", Err: err}
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, w.chunk.End-1))

	resp, err := w.client.Do(req)
	if err != nil {
		return &download.ChunkTransientError{Index: w.chunk.Index, Reason: "connect", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return &download.ChunkTransientError{
			Index:      w.chunk.Index,
			StatusCode: resp.StatusCode,
			Reason:     "expected partial content",
		}
	}

	return w.copyBody(ctx, cancel, resp.Body, w.chunk.End-start)
}

// fetchStream is the no-range fallback: one GET for the whole resource. A
// retry resumes with a range request when the server supports it, otherwise
// it truncates the file and restarts from zero.
func (w *chunkWorker) fetchStream(ctx context.Context) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, w.url, nil)
	if err != nil {
		return &download.ChunkTransientError{Index: w.chunk.Index, Reason: "build request", Err: err}
	}

	resuming := false

	if w.written > 0 {
		if w.supportsRanges {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", w.written))
			resuming = true
		} else if err := w.restart(ctx); err != nil {
			return err
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &download.ChunkTransientError{Index: w.chunk.Index, Reason: "connect", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resuming && resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		// Server ignored the resume range (or none was sent): start over.
		if resuming {
			if err := w.restart(ctx); err != nil {
				return err
			}
		}
	default:
		return &download.ChunkTransientError{
			Index:      w.chunk.Index,
			StatusCode: resp.StatusCode,
			Reason:     "unexpected status",
		}
	}

	if w.chunk.End <= 0 && w.written == 0 && resp.ContentLength > 0 {
		select {
		case w.deltas <- chunkDelta{index: w.chunk.Index, total: resp.ContentLength}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	remaining := int64(-1)
	if w.chunk.End > 0 {
		remaining = w.chunk.End - w.written
	}

	return w.copyBody(ctx, cancel, resp.Body, remaining)
}

// restart drops all stream progress: truncate the file and tell the
// coordinator to roll the counter back.
func (w *chunkWorker) restart(ctx context.Context) error {
	if err := w.file.Truncate(0); err != nil {
		return &download.WriteError{Path: w.file.Name(), Err: err}
	}

	reset := chunkDelta{index: w.chunk.Index, n: -w.written}
	w.written = 0

	select {
	case w.deltas <- reset:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// copyBody streams the response into the file at absolute offsets,
// requesting limiter tokens before each write and reporting deltas as they
// occur. remaining < 0 means "read until EOF". An inactivity watchdog
// cancels the attempt when no bytes arrive within the configured window.
func (w *chunkWorker) copyBody(ctx context.Context, cancelAttempt context.CancelFunc, body io.Reader, remaining int64) error {
	buf := make([]byte, copyBufferSize)

	var watchdog *time.Timer
	if w.inactivity > 0 {
		watchdog = time.AfterFunc(w.inactivity, cancelAttempt)
		defer watchdog.Stop()
	}

	for {
		n, readErr := body.Read(buf)

		if watchdog != nil {
			watchdog.Reset(w.inactivity)
		}

		if n > 0 {
			if remaining >= 0 && int64(n) > remaining {
				n = int(remaining)
			}

			if err := w.limiter.WaitN(ctx, n); err != nil {
				return err
			}

			if _, err := w.file.WriteAt(buf[:n], w.chunk.Start+w.written); err != nil {
				return &download.WriteError{Path: w.file.Name(), Err: err}
			}

			w.written += int64(n)

			if remaining >= 0 {
				remaining -= int64(n)
			}

			select {
			case w.deltas <- chunkDelta{index: w.chunk.Index, n: int64(n)}:
			case <-ctx.Done():
				return ctx.Err()
			}

			if remaining == 0 {
				return nil
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if remaining <= 0 {
					return nil
				}

				return &download.ChunkTransientError{
					Index:  w.chunk.Index,
					Reason: fmt.Sprintf("short body: %d bytes missing", remaining),
				}
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			return &download.ChunkTransientError{Index: w.chunk.Index, Reason: "read body", Err: readErr}
		}
	}
}
