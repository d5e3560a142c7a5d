package sqlite

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/xtreamdl/media_downloader/internal/storage"
)

const (
	keyMaxConcurrent = "max_concurrent_downloads"
	keyChunks        = "download_chunks"
	keySpeedLimit    = "speed_limit_bps"
)

// SettingsRepository persists engine settings as key/value rows so they
// survive restarts and can be changed at runtime through the API.
type SettingsRepository struct {
	db       *sql.DB
	defaults storage.Settings
}

// NewSettingsRepository creates a settings repository. The defaults are
// returned for keys that have never been saved.
func NewSettingsRepository(dbConn *sql.DB, defaults storage.Settings) *SettingsRepository {
	return &SettingsRepository{db: dbConn, defaults: defaults}
}

func (r *SettingsRepository) GetSettings(ctx context.Context) (*storage.Settings, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := map[string]string{}

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}

		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	s := r.defaults

	if v, ok := values[keyMaxConcurrent]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxConcurrentDownloads = n
		}
	}

	if v, ok := values[keyChunks]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.DownloadChunks = n
		}
	}

	if v, ok := values[keySpeedLimit]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.SpeedLimitBPS = n
		}
	}

	return &s, nil
}

func (r *SettingsRepository) SaveSettings(ctx context.Context, s *storage.Settings) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	values := map[string]string{
		keyMaxConcurrent: strconv.Itoa(s.MaxConcurrentDownloads),
		keyChunks:        strconv.Itoa(s.DownloadChunks),
		keySpeedLimit:    strconv.FormatInt(s.SpeedLimitBPS, 10),
	}

	for key, value := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}
