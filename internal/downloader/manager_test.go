package downloader

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/storage"
)

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent:   2,
		ChunkCount:      4,
		MaxRetries:      0,
		PersistInterval: 20 * time.Millisecond,
	}
}

func TestManager_EnqueueToCompletion(t *testing.T) {
	payload := make([]byte, 128*1024)
	for i := range payload {
		payload[i] = byte(i * 3)
	}

	ts := httptest.NewServer(withHead(serveRanges(payload), int64(len(payload)), true))
	defer ts.Close()

	repo := newMemRepo()
	m := NewManager(context.Background(), repo, ts.Client(), nil, nil, testManagerConfig())
	defer m.Close()

	d, err := m.Enqueue(context.Background(), EnqueueRequest{
		ContentType: download.ContentVod,
		StreamID:    "42",
		Title:       "movie",
		SourceURL:   ts.URL,
		FilePath:    t.TempDir() + "/movie.mp4",
	})
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)

	select {
	case finished := <-m.OnDownloadFinished:
		assert.Equal(t, d.ID, finished.ID)
	case <-time.After(10 * time.Second):
		t.Fatal("download never finished")
	}

	rec, err := repo.GetDownload(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, rec.Status)
	assert.Equal(t, int64(len(payload)), rec.DownloadedBytes)
}

func TestManager_FailureEmitsEvent(t *testing.T) {
	ts := httptest.NewServer(nil)
	ts.Close() // refuse connections from here on

	repo := newMemRepo()
	m := NewManager(context.Background(), repo, nil, nil, nil, testManagerConfig())
	defer m.Close()

	d, err := m.Enqueue(context.Background(), EnqueueRequest{
		ContentType: download.ContentVod,
		SourceURL:   ts.URL, // connection refused
		FilePath:    t.TempDir() + "/movie.mp4",
	})
	require.NoError(t, err)

	select {
	case failed := <-m.OnDownloadFailed:
		assert.Equal(t, d.ID, failed.ID)
	case <-time.After(10 * time.Second):
		t.Fatal("failure event never arrived")
	}

	rec, err := repo.GetDownload(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "source unavailable")
}

func TestManager_PauseResume(t *testing.T) {
	payload := make([]byte, 512*1024)
	for i := range payload {
		payload[i] = byte(i * 5)
	}

	ts := httptest.NewServer(withHead(throttle(serveRanges(payload), 8*1024, 5*time.Millisecond), int64(len(payload)), true))
	defer ts.Close()

	repo := newMemRepo()
	m := NewManager(context.Background(), repo, ts.Client(), nil, nil, testManagerConfig())
	defer m.Close()

	d, err := m.Enqueue(context.Background(), EnqueueRequest{
		ContentType: download.ContentVod,
		SourceURL:   ts.URL,
		FilePath:    t.TempDir() + "/movie.mp4",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := m.GetStatus(context.Background(), d.ID)

		return err == nil && snap.DownloadedBytes > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Pause(d.ID))

	require.Eventually(t, func() bool {
		rec, err := repo.GetDownload(context.Background(), d.ID)

		return err == nil && rec.Status == download.StatusPaused
	}, 5*time.Second, 10*time.Millisecond)

	// The run goroutine may still be winding down right after the status
	// flips; resume becomes possible the moment it has unregistered.
	require.Eventually(t, func() bool {
		return m.Resume(context.Background(), d.ID) == nil
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case finished := <-m.OnDownloadFinished:
		assert.Equal(t, d.ID, finished.ID)
	case <-time.After(15 * time.Second):
		t.Fatal("resumed download never finished")
	}
}

func TestManager_PauseUnknownDownload(t *testing.T) {
	repo := newMemRepo()
	m := NewManager(context.Background(), repo, nil, nil, nil, testManagerConfig())
	defer m.Close()

	assert.ErrorIs(t, m.Pause("missing"), ErrNotActive)
}

func TestManager_CancelQueuedDownload(t *testing.T) {
	payload := make([]byte, 512*1024)

	ts := httptest.NewServer(withHead(throttle(serveRanges(payload), 8*1024, 5*time.Millisecond), int64(len(payload)), true))
	defer ts.Close()

	repo := newMemRepo()

	cfg := testManagerConfig()
	cfg.MaxConcurrent = 1

	m := NewManager(context.Background(), repo, ts.Client(), nil, nil, cfg)
	defer m.Close()

	running, err := m.Enqueue(context.Background(), EnqueueRequest{
		SourceURL: ts.URL,
		FilePath:  t.TempDir() + "/a.mp4",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := m.GetStatus(context.Background(), running.ID)

		return err == nil && snap.DownloadedBytes > 0
	}, 5*time.Second, 10*time.Millisecond)

	queued, err := m.Enqueue(context.Background(), EnqueueRequest{
		SourceURL: ts.URL,
		FilePath:  t.TempDir() + "/b.mp4",
	})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), queued.ID, false))

	require.Eventually(t, func() bool {
		rec, err := repo.GetDownload(context.Background(), queued.ID)

		return err == nil && rec.Status == download.StatusCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_ApplySettings(t *testing.T) {
	repo := newMemRepo()
	m := NewManager(context.Background(), repo, nil, nil, nil, testManagerConfig())
	defer m.Close()

	m.ApplySettings(storage.Settings{
		MaxConcurrentDownloads: 5,
		DownloadChunks:         8,
		SpeedLimitBPS:          1 << 20,
	})

	s := m.Settings()
	assert.Equal(t, 5, s.MaxConcurrentDownloads)
	assert.Equal(t, 8, s.DownloadChunks)
	assert.Equal(t, int64(1<<20), s.SpeedLimitBPS)
}
