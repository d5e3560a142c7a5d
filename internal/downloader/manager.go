package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/logctx"
	"github.com/xtreamdl/media_downloader/internal/storage"
	"github.com/xtreamdl/media_downloader/internal/telemetry"
)

// ErrNotActive is returned when an operation requires a live coordinator but
// the download has none.
var ErrNotActive = errors.New("download is not active")

// ManagerConfig carries the engine's tunables. MaxConcurrent, ChunkCount and
// SpeedLimitBPS can be changed at runtime through ApplySettings.
type ManagerConfig struct {
	MaxConcurrent     int
	ChunkCount        int
	SpeedLimitBPS     int64
	MaxRetries        int
	InactivityTimeout time.Duration
	PersistInterval   time.Duration
}

type run struct {
	c      *Coordinator
	cancel context.CancelFunc // aborts the admission wait, not a running coordinator
}

// Manager is the engine facade: it accepts download requests, walks them
// through admission, owns the coordinator goroutines and exposes
// pause/resume/cancel. One manager runs per process.
type Manager struct {
	repo      storage.DownloadRepository
	client    *http.Client
	admission *Admission
	limiter   *SpeedLimiter
	tel       *telemetry.Telemetry
	publish   func(download.Snapshot)

	chunkCount atomic.Int32
	cfg        ManagerConfig

	baseCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup

	OnDownloadFinished chan *download.Download
	OnDownloadFailed   chan *download.Download
}

// NewManager creates the engine. publish receives every status-change
// snapshot for immediate delivery to subscribers; pass nil to discard them.
func NewManager(
	ctx context.Context,
	repo storage.DownloadRepository,
	client *http.Client,
	tel *telemetry.Telemetry,
	publish func(download.Snapshot),
	cfg ManagerConfig,
) *Manager {
	if client == nil {
		client = &http.Client{}
	}

	if publish == nil {
		publish = func(download.Snapshot) {}
	}

	if cfg.ChunkCount < 1 {
		cfg.ChunkCount = 1
	}

	baseCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		repo:      repo,
		client:    client,
		admission: NewAdmission(cfg.MaxConcurrent),
		limiter:   NewSpeedLimiter(cfg.SpeedLimitBPS),
		tel:       tel,
		publish:   publish,
		cfg:       cfg,
		baseCtx:   baseCtx,
		cancel:    cancel,
		runs:      make(map[string]*run),

		OnDownloadFinished: make(chan *download.Download, 16),
		OnDownloadFailed:   make(chan *download.Download, 16),
	}
	m.chunkCount.Store(int32(cfg.ChunkCount))

	return m
}

// ActiveSnapshots implements the broadcaster's sampler over the admission
// registry.
func (m *Manager) ActiveSnapshots() []download.Snapshot {
	return m.admission.ActiveSnapshots()
}

// Enqueue accepts a resolved download request, persists it as queued and
// hands it to admission. Returns immediately with the new record.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*download.Download, error) {
	now := time.Now().UTC()

	d := &download.Download{
		ID:          uuid.NewString(),
		ContentType: req.ContentType,
		StreamID:    req.StreamID,
		Title:       req.Title,
		SourceURL:   req.SourceURL,
		FilePath:    req.FilePath,
		Status:      download.StatusQueued,
		TotalBytes:  download.TotalUnknown,
		Chunks:      int(m.chunkCount.Load()),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.repo.CreateDownload(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create download record: %w", err)
	}

	m.start(d, nil)

	return d, nil
}

// EnqueueRequest is a fully resolved download request: the catalog has
// already turned the content reference into a direct URL and a destination.
type EnqueueRequest struct {
	ContentType download.ContentType
	StreamID    string
	Title       string
	SourceURL   string
	FilePath    string
}

// Pause requests a cooperative pause of a running download. The transition
// to paused is persisted by the coordinator once its workers have stopped.
// On the no-range fallback path pause degrades to cancel-and-restart: resume
// starts over from byte zero.
func (m *Manager) Pause(id string) error {
	c, ok := m.admission.Get(id)
	if !ok {
		return ErrNotActive
	}

	c.Pause()

	return nil
}

// Resume re-admits a paused download. Unfinished chunks continue from their
// persisted offsets, subject to the admission limit like any other download.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	_, running := m.runs[id]
	m.mu.Unlock()

	if running {
		return ErrAlreadyAdmitted
	}

	d, err := m.repo.GetDownload(ctx, id)
	if err != nil {
		return err
	}

	if d.Status != download.StatusPaused {
		return fmt.Errorf("download is not paused (status: %s)", d.Status)
	}

	chunks, err := m.repo.GetChunks(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load chunk progress: %w", err)
	}

	m.start(d, chunks)

	return nil
}

// Cancel aborts a download in any non-terminal state. deleteFile also
// removes the partial data; the persisted record stays until the caller
// deletes it explicitly.
func (m *Manager) Cancel(ctx context.Context, id string, deleteFile bool) error {
	m.mu.Lock()
	r, running := m.runs[id]
	m.mu.Unlock()

	if running {
		r.c.Cancel(deleteFile)

		// Still waiting for a slot: abort the admission wait as well.
		if _, admitted := m.admission.Get(id); !admitted {
			r.cancel()
		}

		return nil
	}

	d, err := m.repo.GetDownload(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case d.Status == download.StatusPaused:
		return m.cancelPaused(ctx, d, deleteFile)
	case d.Status.Terminal():
		return fmt.Errorf("cannot cancel download in status %s", d.Status)
	default:
		return ErrNotActive
	}
}

func (m *Manager) cancelPaused(ctx context.Context, d *download.Download, deleteFile bool) error {
	if err := m.repo.DeleteChunks(ctx, d.ID); err != nil {
		return fmt.Errorf("failed to drop chunk rows: %w", err)
	}

	if deleteFile {
		if err := os.Remove(d.FilePath + PartialSuffix); err != nil && !os.IsNotExist(err) {
			return &download.WriteError{Path: d.FilePath + PartialSuffix, Err: err}
		}
	}

	if err := m.repo.SetStatus(ctx, d.ID, download.StatusCancelled, ""); err != nil {
		return err
	}

	d.Status = download.StatusCancelled
	m.publish(d.Snapshot(true))

	return nil
}

// Delete cancels the download if needed and removes its record. deleteFile
// also removes the destination (partial or completed).
func (m *Manager) Delete(ctx context.Context, id string, deleteFile bool) error {
	d, err := m.repo.GetDownload(ctx, id)
	if err != nil {
		return err
	}

	if !d.Status.Terminal() {
		// Best effort: a running coordinator will find its record gone when
		// it finalizes, which only costs a log line.
		_ = m.Cancel(ctx, id, false)
	}

	if deleteFile {
		for _, path := range []string{d.FilePath, d.FilePath + PartialSuffix} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logctx.LoggerFromContext(ctx).Warn("could not delete file", "file", path, "err", err)
			}
		}
	}

	return m.repo.DeleteDownload(ctx, id)
}

// GetStatus returns a snapshot for the download: live from the coordinator
// when one is active, otherwise from the persisted record.
func (m *Manager) GetStatus(ctx context.Context, id string) (download.Snapshot, error) {
	if c, ok := m.admission.Get(id); ok {
		return c.Snapshot(true), nil
	}

	d, err := m.repo.GetDownload(ctx, id)
	if err != nil {
		return download.Snapshot{}, err
	}

	return d.Snapshot(true), nil
}

// ApplySettings changes the engine tunables at runtime. The admission limit
// affects only future admissions; the chunk count applies to future plans;
// the speed limit takes effect on the workers' next token wait.
func (m *Manager) ApplySettings(s storage.Settings) {
	if s.MaxConcurrentDownloads >= 1 {
		m.admission.SetLimit(s.MaxConcurrentDownloads)
	}

	if s.DownloadChunks >= 1 {
		m.chunkCount.Store(int32(s.DownloadChunks))
	}

	m.limiter.SetLimit(s.SpeedLimitBPS)
}

// Settings returns the engine's current tunables.
func (m *Manager) Settings() storage.Settings {
	return storage.Settings{
		MaxConcurrentDownloads: m.admission.Limit(),
		DownloadChunks:         int(m.chunkCount.Load()),
		SpeedLimitBPS:          m.limiter.Limit(),
	}
}

// Close stops accepting work, signals every run to wind down and waits for
// the goroutines to exit. Records left mid-flight are handled by the
// recovery manager on the next start.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	close(m.OnDownloadFinished)
	close(m.OnDownloadFailed)
}

func (m *Manager) start(d *download.Download, resumeChunks []download.Chunk) {
	runCtx, cancel := context.WithCancel(m.baseCtx)

	cfg := Config{
		ChunkCount:        d.Chunks,
		MaxRetries:        m.cfg.MaxRetries,
		InactivityTimeout: m.cfg.InactivityTimeout,
		PersistInterval:   m.cfg.PersistInterval,
	}

	c := NewCoordinator(d, m.repo, m.client, m.limiter, cfg, m.publish)
	if len(resumeChunks) > 0 {
		c.WithResume(resumeChunks)
	}

	r := &run{c: c, cancel: cancel}

	m.mu.Lock()
	m.runs[d.ID] = r
	m.mu.Unlock()

	m.wg.Add(1)

	go m.runDownload(runCtx, d, r)
}

func (m *Manager) runDownload(ctx context.Context, d *download.Download, r *run) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.runs, d.ID)
		m.mu.Unlock()
	}()

	logger := logctx.LoggerFromContext(ctx).With("download_id", d.ID)
	started := time.Now()

	if err := m.admission.Acquire(ctx, d.ID, r.c); err != nil {
		if errors.Is(err, ErrAlreadyAdmitted) {
			logger.Error("duplicate admission attempt", "err", err)

			return
		}

		// The admission wait was aborted. A user cancel finalizes the record;
		// a process shutdown leaves it queued for the recovery manager.
		if stopReason(r.c.reason.Load()) == stopCancel {
			r.c.finalizeCancelled(logctx.WithLogger(context.WithoutCancel(ctx), logger))
		}

		return
	}

	m.tel.IncrementActiveDownloads()

	status := r.c.Run(ctx)

	m.admission.Release(d.ID)
	m.tel.DecrementActiveDownloads()

	if status.Terminal() {
		m.tel.RecordDownload(string(status), time.Since(started))
	}

	switch status {
	case download.StatusCompleted:
		m.notify(m.OnDownloadFinished, d)
	case download.StatusFailed:
		m.notify(m.OnDownloadFailed, d)
	}
}

// notify never blocks: a missing consumer must not wedge the engine.
func (m *Manager) notify(ch chan *download.Download, d *download.Download) {
	select {
	case ch <- d:
	default:
	}
}
