package sqlite

import (
	"context"
	"database/sql"

	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]download.Download, error) {
	var result []download.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloads(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id string) (*download.Download, error) {
	var result *download.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownload(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetChunks(ctx context.Context, id string) ([]download.Chunk, error) {
	var result []download.Chunk

	err := r.telemetry.InstrumentDBOperation(ctx, "get_chunks", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetChunks(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) CreateDownload(ctx context.Context, d *download.Download) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		return r.repo.CreateDownload(ctx, d)
	})
}

func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, id string, downloaded, total, speed int64, pct float64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, downloaded, total, speed, pct)
	})
}

func (r *InstrumentedDownloadRepository) SetStatus(ctx context.Context, id string, status download.Status, errMessage string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_status", func(ctx context.Context) error {
		return r.repo.SetStatus(ctx, id, status, errMessage)
	})
}

func (r *InstrumentedDownloadRepository) ReplaceChunks(ctx context.Context, id string, chunks []download.Chunk) error {
	return r.telemetry.InstrumentDBOperation(ctx, "replace_chunks", func(ctx context.Context) error {
		return r.repo.ReplaceChunks(ctx, id, chunks)
	})
}

func (r *InstrumentedDownloadRepository) DeleteChunks(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_chunks", func(ctx context.Context) error {
		return r.repo.DeleteChunks(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}
