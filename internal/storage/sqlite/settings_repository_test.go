package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtreamdl/media_downloader/internal/storage"
)

func TestSettingsRepository_DefaultsWhenEmpty(t *testing.T) {
	repo := NewSettingsRepository(openTestDB(t), storage.Settings{
		MaxConcurrentDownloads: 3,
		DownloadChunks:         16,
		SpeedLimitBPS:          0,
	})

	got, err := repo.GetSettings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, got.MaxConcurrentDownloads)
	assert.Equal(t, 16, got.DownloadChunks)
	assert.Zero(t, got.SpeedLimitBPS)
}

func TestSettingsRepository_SaveAndReload(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	defaults := storage.Settings{MaxConcurrentDownloads: 3, DownloadChunks: 16}

	repo := NewSettingsRepository(db, defaults)

	require.NoError(t, repo.SaveSettings(ctx, &storage.Settings{
		MaxConcurrentDownloads: 5,
		DownloadChunks:         8,
		SpeedLimitBPS:          2 << 20,
	}))

	// A fresh repository over the same database must see the saved values,
	// not the defaults.
	got, err := NewSettingsRepository(db, defaults).GetSettings(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, got.MaxConcurrentDownloads)
	assert.Equal(t, 8, got.DownloadChunks)
	assert.Equal(t, int64(2<<20), got.SpeedLimitBPS)
}

func TestSettingsRepository_SaveOverwrites(t *testing.T) {
	repo := NewSettingsRepository(openTestDB(t), storage.Settings{})
	ctx := context.Background()

	require.NoError(t, repo.SaveSettings(ctx, &storage.Settings{MaxConcurrentDownloads: 2, DownloadChunks: 4}))
	require.NoError(t, repo.SaveSettings(ctx, &storage.Settings{MaxConcurrentDownloads: 7, DownloadChunks: 32, SpeedLimitBPS: 100}))

	got, err := repo.GetSettings(ctx)
	require.NoError(t, err)

	assert.Equal(t, 7, got.MaxConcurrentDownloads)
	assert.Equal(t, 32, got.DownloadChunks)
	assert.Equal(t, int64(100), got.SpeedLimitBPS)
}
