package storage

import (
	"context"
	"errors"

	"github.com/xtreamdl/media_downloader/internal/download"
)

// ErrNotFound is returned when a download record does not exist.
var ErrNotFound = errors.New("download not found")

// DownloadReadRepository reads persisted download records.
type DownloadReadRepository interface {
	GetDownloads(ctx context.Context) ([]download.Download, error)
	GetDownload(ctx context.Context, id string) (*download.Download, error)
	GetChunks(ctx context.Context, id string) ([]download.Chunk, error)
}

// DownloadWriteRepository mutates persisted download records. Progress rows
// are written at a bounded rate by the coordinator, not on every byte.
type DownloadWriteRepository interface {
	CreateDownload(ctx context.Context, d *download.Download) error
	UpdateProgress(ctx context.Context, id string, downloaded, total, speed int64, pct float64) error
	SetStatus(ctx context.Context, id string, status download.Status, errMessage string) error
	ReplaceChunks(ctx context.Context, id string, chunks []download.Chunk) error
	DeleteChunks(ctx context.Context, id string) error
	DeleteDownload(ctx context.Context, id string) error
}

// DownloadRepository combines the read and write sides.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

// Settings is the runtime-tunable download engine configuration persisted
// across restarts.
type Settings struct {
	MaxConcurrentDownloads int
	DownloadChunks         int
	SpeedLimitBPS          int64
}

// SettingsRepository persists engine settings.
type SettingsRepository interface {
	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error
}
