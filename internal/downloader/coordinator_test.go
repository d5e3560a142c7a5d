package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/storage"
)

// memRepo is an in-memory storage.DownloadRepository for engine tests.
type memRepo struct {
	mu        sync.Mutex
	downloads map[string]*download.Download
	chunks    map[string][]download.Chunk
	statuses  map[string][]download.Status
}

func newMemRepo() *memRepo {
	return &memRepo{
		downloads: make(map[string]*download.Download),
		chunks:    make(map[string][]download.Chunk),
		statuses:  make(map[string][]download.Status),
	}
}

func (r *memRepo) GetDownloads(_ context.Context) ([]download.Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]download.Download, 0, len(r.downloads))
	for _, d := range r.downloads {
		out = append(out, *d)
	}

	return out, nil
}

func (r *memRepo) GetDownload(_ context.Context, id string) (*download.Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	copied := *d

	return &copied, nil
}

func (r *memRepo) GetChunks(_ context.Context, id string) ([]download.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]download.Chunk(nil), r.chunks[id]...), nil
}

func (r *memRepo) CreateDownload(_ context.Context, d *download.Download) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *d
	r.downloads[d.ID] = &copied

	return nil
}

func (r *memRepo) UpdateProgress(_ context.Context, id string, downloaded, total, speed int64, pct float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if !ok {
		return storage.ErrNotFound
	}

	d.DownloadedBytes = downloaded
	d.TotalBytes = total
	d.SpeedBPS = speed
	d.ProgressPct = pct

	return nil
}

func (r *memRepo) SetStatus(_ context.Context, id string, status download.Status, errMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if !ok {
		return storage.ErrNotFound
	}

	d.Status = status
	d.ErrorMessage = errMessage
	r.statuses[id] = append(r.statuses[id], status)

	return nil
}

func (r *memRepo) ReplaceChunks(_ context.Context, id string, chunks []download.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks[id] = append([]download.Chunk(nil), chunks...)

	return nil
}

func (r *memRepo) DeleteChunks(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.chunks, id)

	return nil
}

func (r *memRepo) DeleteDownload(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.downloads, id)
	delete(r.chunks, id)

	return nil
}

func (r *memRepo) statusHistory(id string) []download.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]download.Status(nil), r.statuses[id]...)
}

func testDownload(t *testing.T, url string) *download.Download {
	t.Helper()

	return &download.Download{
		ID:          "dl-1",
		ContentType: download.ContentVod,
		Title:       "test movie",
		SourceURL:   url,
		FilePath:    filepath.Join(t.TempDir(), "movies", "test movie.mp4"),
		Status:      download.StatusQueued,
		TotalBytes:  download.TotalUnknown,
	}
}

func testConfig() Config {
	return Config{
		ChunkCount:      4,
		MaxRetries:      0,
		PersistInterval: 20 * time.Millisecond,
	}
}

func TestCoordinator_CompletesRangedDownload(t *testing.T) {
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	ts := httptest.NewServer(withHead(serveRanges(payload), int64(len(payload)), true))
	defer ts.Close()

	repo := newMemRepo()
	d := testDownload(t, ts.URL)
	require.NoError(t, repo.CreateDownload(context.Background(), d))

	var transitions []download.Snapshot

	c := NewCoordinator(d, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), func(s download.Snapshot) {
		transitions = append(transitions, s)
	})

	status := c.Run(context.Background())
	require.Equal(t, download.StatusCompleted, status)

	// Destination is in place, partial suffix dropped.
	got, err := os.ReadFile(d.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = os.Stat(d.FilePath + PartialSuffix)
	assert.True(t, os.IsNotExist(err))

	// Exactly downloading then completed were persisted.
	assert.Equal(t, []download.Status{download.StatusDownloading, download.StatusCompleted}, repo.statusHistory(d.ID))

	rec, err := repo.GetDownload(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), rec.ProgressPct)
	assert.Equal(t, int64(len(payload)), rec.DownloadedBytes)

	chunks, _ := repo.GetChunks(context.Background(), d.ID)
	assert.Empty(t, chunks, "chunk rows are dropped once the download completes")

	// Terminal snapshot was published with the status set.
	require.NotEmpty(t, transitions)
	assert.Equal(t, string(download.StatusCompleted), transitions[len(transitions)-1].Status)
}

func TestCoordinator_CompletesStreamFallback(t *testing.T) {
	payload := make([]byte, 32*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No range support at all.
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "none")
			w.Header().Set("Content-Length", "32768")

			return
		}

		w.Write(payload)
	}))
	defer ts.Close()

	repo := newMemRepo()
	d := testDownload(t, ts.URL)
	require.NoError(t, repo.CreateDownload(context.Background(), d))

	c := NewCoordinator(d, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), nil)

	status := c.Run(context.Background())
	require.Equal(t, download.StatusCompleted, status)

	got, err := os.ReadFile(d.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCoordinator_ProbeFailureFailsDownload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	repo := newMemRepo()
	d := testDownload(t, ts.URL)
	require.NoError(t, repo.CreateDownload(context.Background(), d))

	c := NewCoordinator(d, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), nil)

	status := c.Run(context.Background())
	require.Equal(t, download.StatusFailed, status)

	rec, err := repo.GetDownload(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Contains(t, rec.ErrorMessage, "source unavailable")
}

func TestCoordinator_PauseAndResume(t *testing.T) {
	payload := make([]byte, 512*1024)
	for i := range payload {
		payload[i] = byte(i * 13)
	}

	slow := withHead(throttle(serveRanges(payload), 8*1024, 5*time.Millisecond), int64(len(payload)), true)

	ts := httptest.NewServer(slow)
	defer ts.Close()

	repo := newMemRepo()
	d := testDownload(t, ts.URL)
	require.NoError(t, repo.CreateDownload(context.Background(), d))

	c := NewCoordinator(d, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), nil)

	statusCh := make(chan download.Status, 1)
	go func() { statusCh <- c.Run(context.Background()) }()

	// Let some bytes land, then pause.
	require.Eventually(t, func() bool {
		return c.Snapshot(false).DownloadedBytes > 0
	}, 5*time.Second, 10*time.Millisecond)

	c.Pause()

	require.Equal(t, download.StatusPaused, <-statusCh)

	rec, err := repo.GetDownload(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusPaused, rec.Status)

	saved, err := repo.GetChunks(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotEmpty(t, saved, "pause must persist the chunk plan")

	var persisted int64
	for _, chunk := range saved {
		persisted += chunk.Written
	}

	assert.Equal(t, rec.DownloadedBytes, persisted, "persisted counters must agree with the chunk plan")

	_, err = os.Stat(d.FilePath + PartialSuffix)
	require.NoError(t, err, "partial data must survive a pause")

	// Resume from the persisted plan and finish.
	resumed := NewCoordinator(rec, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), nil).WithResume(saved)

	require.Equal(t, download.StatusCompleted, resumed.Run(context.Background()))

	got, err := os.ReadFile(d.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "resumed download must produce the exact resource")
}

func TestCoordinator_CancelRemovesPartial(t *testing.T) {
	payload := make([]byte, 512*1024)

	ts := httptest.NewServer(withHead(throttle(serveRanges(payload), 8*1024, 5*time.Millisecond), int64(len(payload)), true))
	defer ts.Close()

	repo := newMemRepo()
	d := testDownload(t, ts.URL)
	require.NoError(t, repo.CreateDownload(context.Background(), d))

	c := NewCoordinator(d, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), nil)

	statusCh := make(chan download.Status, 1)
	go func() { statusCh <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.Snapshot(false).DownloadedBytes > 0
	}, 5*time.Second, 10*time.Millisecond)

	c.Cancel(true)

	require.Equal(t, download.StatusCancelled, <-statusCh)

	_, err := os.Stat(d.FilePath + PartialSuffix)
	assert.True(t, os.IsNotExist(err), "cancel with delete must remove the partial file")

	chunks, _ := repo.GetChunks(context.Background(), d.ID)
	assert.Empty(t, chunks)
}

func TestCoordinator_CancelUpgradesPause(t *testing.T) {
	payload := make([]byte, 512*1024)

	ts := httptest.NewServer(withHead(throttle(serveRanges(payload), 8*1024, 5*time.Millisecond), int64(len(payload)), true))
	defer ts.Close()

	repo := newMemRepo()
	d := testDownload(t, ts.URL)
	require.NoError(t, repo.CreateDownload(context.Background(), d))

	c := NewCoordinator(d, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), nil)

	statusCh := make(chan download.Status, 1)
	go func() { statusCh <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.Snapshot(false).DownloadedBytes > 0
	}, 5*time.Second, 10*time.Millisecond)

	c.Pause()
	c.Cancel(false)

	require.Equal(t, download.StatusCancelled, <-statusCh)
}

func TestCoordinator_PauseBeforeRunStartsNothing(t *testing.T) {
	var hits atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	repo := newMemRepo()
	d := testDownload(t, ts.URL)
	require.NoError(t, repo.CreateDownload(context.Background(), d))

	// Plan persisted by a previous pause; an early pause must not disturb it.
	saved := []download.Chunk{{Index: 0, Start: 0, End: 100, Written: 40, State: download.ChunkPending}}
	require.NoError(t, repo.ReplaceChunks(context.Background(), d.ID, saved))

	c := NewCoordinator(d, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), nil)

	// Pause lands between admission and the run loop starting.
	c.Pause()

	require.Equal(t, download.StatusPaused, c.Run(context.Background()))

	assert.Zero(t, hits.Load(), "a pre-run pause must not contact the source")

	rec, err := repo.GetDownload(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusPaused, rec.Status)

	chunks, _ := repo.GetChunks(context.Background(), d.ID)
	assert.Equal(t, saved, chunks, "the persisted plan survives an early pause")
}

func TestCoordinator_ShutdownLeavesRecordDownloading(t *testing.T) {
	payload := make([]byte, 512*1024)

	ts := httptest.NewServer(withHead(throttle(serveRanges(payload), 8*1024, 5*time.Millisecond), int64(len(payload)), true))
	defer ts.Close()

	repo := newMemRepo()
	d := testDownload(t, ts.URL)
	require.NoError(t, repo.CreateDownload(context.Background(), d))

	c := NewCoordinator(d, repo, ts.Client(), NewSpeedLimiter(0), testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())

	statusCh := make(chan download.Status, 1)
	go func() { statusCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.Snapshot(false).DownloadedBytes > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	assert.Equal(t, download.StatusDownloading, <-statusCh)

	rec, err := repo.GetDownload(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusDownloading, rec.Status, "shutdown must leave the record for the recovery manager")
}

// withHead answers HEAD requests with the given length and range support,
// delegating everything else.
func withHead(next http.HandlerFunc, totalBytes int64, ranges bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			if ranges {
				w.Header().Set("Accept-Ranges", "bytes")
			}

			w.Header().Set("Content-Length", fmt.Sprint(totalBytes))

			return
		}

		next(w, r)
	}
}

// throttle slices the response into pieces with a delay between them so tests
// can interrupt a transfer mid-flight.
func throttle(next http.HandlerFunc, pieceSize int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := httptest.NewRecorder()
		next(rec, r)

		for k, v := range rec.Header() {
			w.Header()[k] = v
		}

		w.WriteHeader(rec.Code)

		body := rec.Body.Bytes()
		flusher, _ := w.(http.Flusher)

		for start := 0; start < len(body); start += pieceSize {
			end := start + pieceSize
			if end > len(body) {
				end = len(body)
			}

			if _, err := w.Write(body[start:end]); err != nil {
				return
			}

			if flusher != nil {
				flusher.Flush()
			}

			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
	}
}
