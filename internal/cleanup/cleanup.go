package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/logctx"
)

// RemoveOrphanedPartials walks the media root and deletes partial files that
// no tracked download can ever finish. Runs once at startup, after recovery
// has settled the records: a .partial file is kept only while a paused
// download still references it.
func RemoveOrphanedPartials(ctx context.Context, root, partialSuffix string, downloads []download.Download) error {
	logger := logctx.LoggerFromContext(ctx)

	keep := make(map[string]struct{})

	for _, d := range downloads {
		if d.Status == download.StatusPaused {
			keep[d.FilePath+partialSuffix] = struct{}{}
		}
	}

	var removed, freed int64

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if entry.IsDir() || !strings.HasSuffix(path, partialSuffix) {
			return nil
		}

		if _, ok := keep[path]; ok {
			return nil
		}

		info, err := entry.Info()
		if err == nil {
			freed += info.Size()
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete orphaned partial", "file", path, "err", err)

			return err
		}

		logger.Info("deleted orphaned partial", "file", path)

		removed++

		return nil
	})
	if err != nil {
		return err
	}

	if removed > 0 {
		logger.Info("partial cleanup finished", "removed", removed, "freed", humanize.Bytes(uint64(freed)))
	}

	return nil
}
