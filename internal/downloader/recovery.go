package downloader

import (
	"context"
	"fmt"

	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/logctx"
	"github.com/xtreamdl/media_downloader/internal/storage"
)

// Recoverer forces downloads orphaned by an unclean shutdown into a terminal
// state. Coordinators and their workers live only in memory, so a record
// still marked queued or downloading at boot can never make progress again.
// Paused records are left untouched: pausing is a deliberate, persisted-safe
// state.
type Recoverer struct {
	repo storage.DownloadRepository
}

func NewRecoverer(repo storage.DownloadRepository) *Recoverer {
	return &Recoverer{repo: repo}
}

// Run scans all persisted downloads once. It must complete before any new
// admissions are accepted. Returns the number of records failed.
func (r *Recoverer) Run(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	downloads, err := r.repo.GetDownloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load downloads for recovery: %w", err)
	}

	recovered := 0

	for _, d := range downloads {
		if d.Status != download.StatusQueued && d.Status != download.StatusDownloading {
			continue
		}

		if err := r.repo.SetStatus(ctx, d.ID, download.StatusFailed, download.ErrInterruptedByRestart.Error()); err != nil {
			return recovered, fmt.Errorf("failed to mark download %s as interrupted: %w", d.ID, err)
		}

		if err := r.repo.DeleteChunks(ctx, d.ID); err != nil {
			return recovered, fmt.Errorf("failed to drop chunk rows for %s: %w", d.ID, err)
		}

		logger.Warn("download interrupted by restart", "download_id", d.ID, "previous_status", d.Status)

		recovered++
	}

	if recovered > 0 {
		logger.Info("recovery finished", "failed_records", recovered)
	}

	return recovered, nil
}
