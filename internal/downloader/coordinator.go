package downloader

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/logctx"
	"github.com/xtreamdl/media_downloader/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// PartialSuffix marks in-flight destination files. The suffix is dropped
	// on completion.
	PartialSuffix = ".partial"
)

// Config tunes one coordinator run.
type Config struct {
	ChunkCount        int
	MaxRetries        int
	InactivityTimeout time.Duration
	PersistInterval   time.Duration
}

type stopReason int32

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

// Coordinator owns one download's lifecycle: it probes the source, plans
// chunks, spawns workers, aggregates their byte deltas, persists progress at
// a bounded rate and finalizes the record exactly once. All mutable counters
// live here; workers only send messages.
type Coordinator struct {
	d       *download.Download
	repo    storage.DownloadWriteRepository
	prober  *Prober
	client  *http.Client
	limiter *SpeedLimiter
	cfg     Config

	// resume carries the persisted chunk plan of a paused download.
	resume       bool
	resumeChunks []download.Chunk

	mu     sync.Mutex
	chunks []download.Chunk
	ranged bool

	deltas chan chunkDelta
	file   *os.File

	reason        atomic.Int32
	deleteFile    atomic.Bool
	cancelWorkers atomic.Value // context.CancelFunc

	// onTransition is invoked for every status change so the broadcaster can
	// push the snapshot immediately instead of waiting for the next tick.
	onTransition func(download.Snapshot)
}

// NewCoordinator creates a coordinator for the given download record.
func NewCoordinator(
	d *download.Download,
	repo storage.DownloadWriteRepository,
	client *http.Client,
	limiter *SpeedLimiter,
	cfg Config,
	onTransition func(download.Snapshot),
) *Coordinator {
	if client == nil {
		client = http.DefaultClient
	}

	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = time.Second
	}

	if onTransition == nil {
		onTransition = func(download.Snapshot) {}
	}

	return &Coordinator{
		d:            d,
		repo:         repo,
		prober:       NewProber(client),
		client:       client,
		limiter:      limiter,
		cfg:          cfg,
		deltas:       make(chan chunkDelta, 64),
		onTransition: onTransition,
	}
}

// WithResume primes the coordinator with the chunk plan persisted when the
// download was paused, so unfinished chunks continue from their last offset.
func (c *Coordinator) WithResume(chunks []download.Chunk) *Coordinator {
	c.resume = true
	c.resumeChunks = chunks

	return c
}

// Pause requests a cooperative stop that keeps progress. Workers halt at
// their next suspension point; the slot is released by the caller once Run
// returns. On the no-range fallback path pausing degrades to
// cancel-and-restart-from-zero, which is reflected in the persisted counters.
func (c *Coordinator) Pause() {
	if c.reason.CompareAndSwap(int32(stopNone), int32(stopPause)) {
		c.stopWorkers()
	}
}

// Cancel aborts the download. A pause already in flight is upgraded to a
// cancel. File deletion is caller-controlled, never automatic.
func (c *Coordinator) Cancel(deleteFile bool) {
	c.deleteFile.Store(deleteFile)

	if c.reason.CompareAndSwap(int32(stopNone), int32(stopCancel)) ||
		c.reason.CompareAndSwap(int32(stopPause), int32(stopCancel)) {
		c.stopWorkers()
	}
}

// Snapshot returns the download's current progress. Safe to call from other
// goroutines (broadcaster, status API).
func (c *Coordinator) Snapshot(withStatus bool) download.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.d.Snapshot(withStatus)
}

// Run executes the download until a terminal state, a pause, or process
// shutdown. It must be called exactly once, after admission.
func (c *Coordinator) Run(ctx context.Context) download.Status {
	logger := logctx.LoggerFromContext(ctx).With("download_id", c.d.ID)
	ctx = logctx.WithLogger(ctx, logger)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelWorkers.Store(context.CancelFunc(cancel))

	// Pause and Cancel can land between admission and this point, before the
	// worker cancel func exists.
	switch stopReason(c.reason.Load()) {
	case stopCancel:
		return c.finalizeCancelled(ctx)
	case stopPause:
		// Nothing has started: keep whatever plan and partial data are
		// already persisted and just flip the status.
		c.transition(ctx, download.StatusPaused, "")

		return download.StatusPaused
	}

	c.transition(ctx, download.StatusDownloading, "")

	capability, err := c.prober.Probe(workerCtx, c.d.SourceURL)
	if err != nil {
		// finalize re-checks the stop reason so a pause or cancel racing the
		// probe doesn't get misreported as a failure.
		return c.finalize(ctx, err)
	}

	logger.Info("source probed",
		"supports_ranges", capability.SupportsRanges,
		"total_bytes", capability.TotalBytes,
		"size", humanize.Bytes(uint64(max(capability.TotalBytes, 0))),
	)

	if err := c.plan(capability); err != nil {
		return c.finalize(ctx, err)
	}

	if err := c.openDestination(); err != nil {
		return c.finalize(ctx, err)
	}
	defer c.closeFile()

	group, groupCtx := errgroup.WithContext(workerCtx)

	c.mu.Lock()
	for i := range c.chunks {
		chunk := c.chunks[i]
		if chunk.State == download.ChunkDone {
			continue
		}

		c.chunks[i].State = download.ChunkActive

		worker := &chunkWorker{
			client:         c.client,
			url:            c.d.SourceURL,
			file:           c.file,
			limiter:        c.limiter,
			chunk:          chunk,
			deltas:         c.deltas,
			maxRetries:     c.cfg.MaxRetries,
			inactivity:     c.cfg.InactivityTimeout,
			stream:         !c.ranged,
			supportsRanges: capability.SupportsRanges,
		}

		group.Go(func() error {
			return worker.run(groupCtx)
		})
	}
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	ticker := time.NewTicker(c.cfg.PersistInterval)
	defer ticker.Stop()

	lastBytes := c.d.DownloadedBytes
	lastTime := time.Now()

	for {
		select {
		case delta := <-c.deltas:
			c.apply(delta)
		case <-ticker.C:
			c.refreshSpeed(&lastBytes, &lastTime)
			c.persistProgress(ctx)
		case err := <-done:
			c.drainDeltas()
			c.refreshSpeed(&lastBytes, &lastTime)

			return c.finalize(ctx, err)
		}
	}
}

// plan builds the chunk plan for this run. A persisted plan is reused on
// resume when the source still looks the same; otherwise planning starts
// fresh.
func (c *Coordinator) plan(capability Capability) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ranged = capability.SupportsRanges && capability.TotalBytes > 0

	if c.ranged && c.resume && len(c.resumeChunks) > 0 && c.d.TotalBytes == capability.TotalBytes {
		c.chunks = make([]download.Chunk, len(c.resumeChunks))
		copy(c.chunks, c.resumeChunks)

		var downloaded int64

		for i := range c.chunks {
			if c.chunks[i].State != download.ChunkDone {
				c.chunks[i].State = download.ChunkPending
			}

			downloaded += c.chunks[i].Written
		}

		c.d.DownloadedBytes = downloaded
	} else {
		if c.ranged {
			c.chunks = PlanChunks(capability.TotalBytes, c.cfg.ChunkCount)
		} else {
			c.chunks = StreamPlan(capability.TotalBytes)
		}

		c.d.DownloadedBytes = 0
	}

	c.d.TotalBytes = capability.TotalBytes
	c.d.ProgressPct = download.Progress(c.d.DownloadedBytes, c.d.TotalBytes)

	return nil
}

func (c *Coordinator) openDestination() error {
	partial := c.d.FilePath + PartialSuffix

	if err := os.MkdirAll(filepath.Dir(partial), dirPerm); err != nil {
		return &download.WriteError{Path: partial, Err: err}
	}

	flags := os.O_RDWR | os.O_CREATE
	if !c.resume {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(partial, flags, filePerm)
	if err != nil {
		return &download.WriteError{Path: partial, Err: err}
	}

	c.file = file

	return nil
}

func (c *Coordinator) apply(delta chunkDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if delta.total > 0 && c.d.TotalBytes <= 0 {
		c.d.TotalBytes = delta.total
	}

	if delta.n != 0 {
		chunk := &c.chunks[delta.index]
		chunk.Written += delta.n
		c.d.DownloadedBytes += delta.n

		if chunk.End > 0 && chunk.Written >= chunk.Size() {
			chunk.State = download.ChunkDone
		}
	}

	c.d.ProgressPct = download.Progress(c.d.DownloadedBytes, c.d.TotalBytes)
}

func (c *Coordinator) drainDeltas() {
	for {
		select {
		case delta := <-c.deltas:
			c.apply(delta)
		default:
			return
		}
	}
}

// refreshSpeed recomputes the windowed instantaneous speed. Bounded to the
// persist tick so high-frequency worker reports don't cause jitter.
func (c *Coordinator) refreshSpeed(lastBytes *int64, lastTime *time.Time) {
	now := time.Now()

	elapsed := now.Sub(*lastTime).Seconds()
	if elapsed <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.d.SpeedBPS = int64(float64(c.d.DownloadedBytes-*lastBytes) / elapsed)
	*lastBytes = c.d.DownloadedBytes
	*lastTime = now
}

func (c *Coordinator) persistProgress(ctx context.Context) {
	c.mu.Lock()
	downloaded, total := c.d.DownloadedBytes, c.d.TotalBytes
	speed, pct := c.d.SpeedBPS, c.d.ProgressPct
	c.mu.Unlock()

	if err := c.repo.UpdateProgress(ctx, c.d.ID, downloaded, total, speed, pct); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist progress", "err", err)
	}
}

func (c *Coordinator) finalize(ctx context.Context, groupErr error) download.Status {
	switch stopReason(c.reason.Load()) {
	case stopCancel:
		return c.finalizeCancelled(ctx)
	case stopPause:
		return c.finalizePaused(ctx)
	}

	if groupErr != nil {
		if ctx.Err() != nil {
			// Process shutdown: leave the record in downloading so the
			// recovery manager fails it on the next start.
			return c.d.Status
		}

		return c.finalizeFailed(ctx, groupErr)
	}

	return c.finalizeCompleted(ctx)
}

func (c *Coordinator) finalizeCompleted(ctx context.Context) download.Status {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	if c.d.TotalBytes <= 0 {
		// Unknown-length stream that ended cleanly: the bytes we have are
		// the resource.
		c.d.TotalBytes = c.d.DownloadedBytes
	}

	downloaded, total := c.d.DownloadedBytes, c.d.TotalBytes
	c.mu.Unlock()

	if downloaded != total {
		return c.finalizeFailed(ctx, fmt.Errorf("incomplete download: expected %d bytes, got %d", total, downloaded))
	}

	c.closeFile()

	if err := os.Rename(c.d.FilePath+PartialSuffix, c.d.FilePath); err != nil {
		return c.finalizeFailed(ctx, &download.WriteError{Path: c.d.FilePath, Err: err})
	}

	c.mu.Lock()
	c.d.ProgressPct = 100
	c.d.SpeedBPS = 0
	c.mu.Unlock()

	c.persistProgress(ctx)

	if err := c.repo.DeleteChunks(ctx, c.d.ID); err != nil {
		logger.Error("failed to delete chunk rows", "err", err)
	}

	c.transition(ctx, download.StatusCompleted, "")

	logger.Info("download completed", "target", c.d.FilePath, "size", humanize.Bytes(uint64(total)))

	return download.StatusCompleted
}

func (c *Coordinator) finalizeFailed(ctx context.Context, cause error) download.Status {
	logctx.LoggerFromContext(ctx).Error("download failed", "err", cause)

	c.closeFile()

	// Partial file is retained for inspection; deletion is caller-controlled.
	if err := c.repo.DeleteChunks(ctx, c.d.ID); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to delete chunk rows", "err", err)
	}

	c.mu.Lock()
	c.d.SpeedBPS = 0
	c.mu.Unlock()

	c.transition(ctx, download.StatusFailed, cause.Error())

	return download.StatusFailed
}

func (c *Coordinator) finalizePaused(ctx context.Context) download.Status {
	logger := logctx.LoggerFromContext(ctx)

	c.closeFile()

	c.mu.Lock()

	if c.ranged {
		for i := range c.chunks {
			if c.chunks[i].State == download.ChunkActive {
				c.chunks[i].State = download.ChunkPending
			}
		}
	} else {
		// No-range fallback: progress cannot survive a pause. Drop the
		// partial data so resume starts from a clean slate.
		c.d.DownloadedBytes = 0
		c.d.ProgressPct = 0
		c.chunks = nil

		if err := os.Remove(c.d.FilePath + PartialSuffix); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to remove partial file", "err", err)
		}
	}

	chunks := make([]download.Chunk, len(c.chunks))
	copy(chunks, c.chunks)
	c.d.SpeedBPS = 0
	c.mu.Unlock()

	if err := c.repo.ReplaceChunks(ctx, c.d.ID, chunks); err != nil {
		logger.Error("failed to persist chunk progress", "err", err)
	}

	c.persistProgress(ctx)
	c.transition(ctx, download.StatusPaused, "")

	logger.Info("download paused", "downloaded", humanize.Bytes(uint64(max(c.Snapshot(false).DownloadedBytes, 0))))

	return download.StatusPaused
}

func (c *Coordinator) finalizeCancelled(ctx context.Context) download.Status {
	logger := logctx.LoggerFromContext(ctx)

	c.closeFile()

	if err := c.repo.DeleteChunks(ctx, c.d.ID); err != nil {
		logger.Error("failed to delete chunk rows", "err", err)
	}

	if c.deleteFile.Load() {
		if err := os.Remove(c.d.FilePath + PartialSuffix); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to remove partial file", "err", err)
		}
	}

	c.mu.Lock()
	c.d.SpeedBPS = 0
	c.mu.Unlock()

	c.transition(ctx, download.StatusCancelled, "")

	logger.Info("download cancelled")

	return download.StatusCancelled
}

// transition moves the download to a new status, persists it and publishes a
// snapshot carrying the status. Transitions out of a terminal state are
// rejected.
func (c *Coordinator) transition(ctx context.Context, status download.Status, errMessage string) {
	c.mu.Lock()

	if c.d.Status.Terminal() {
		c.mu.Unlock()

		return
	}

	c.d.Status = status
	c.d.ErrorMessage = errMessage

	if status == download.StatusCompleted {
		now := time.Now().UTC()
		c.d.CompletedAt = &now
	}

	snapshot := c.d.Snapshot(true)
	c.mu.Unlock()

	if err := c.repo.SetStatus(ctx, c.d.ID, status, errMessage); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist status", "status", status, "err", err)
	}

	c.onTransition(snapshot)
}

func (c *Coordinator) stopWorkers() {
	if cancel, ok := c.cancelWorkers.Load().(context.CancelFunc); ok {
		cancel()
	}
}

func (c *Coordinator) closeFile() {
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}
