package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/storage"
)

// DownloadRepository stores download records and their chunk plans in SQLite.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

const downloadColumns = `id, content_type, stream_id, title, source_url, file_path,
	status, progress_pct, speed_bps, total_bytes, downloaded_bytes, chunks,
	error_message, created_at, updated_at, completed_at`

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]download.Download, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []download.Download

	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, *d)
	}

	return downloads, rows.Err()
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id string) (*download.Download, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return d, nil
}

func (r *DownloadRepository) CreateDownload(ctx context.Context, d *download.Download) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (`+downloadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.ContentType), d.StreamID, d.Title, d.SourceURL, d.FilePath,
		string(d.Status), d.ProgressPct, d.SpeedBPS, d.TotalBytes, d.DownloadedBytes, d.Chunks,
		nullString(d.ErrorMessage), d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
		nullTime(d.CompletedAt),
	)

	return err
}

func (r *DownloadRepository) UpdateProgress(ctx context.Context, id string, downloaded, total, speed int64, pct float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE downloads
		SET downloaded_bytes = ?, total_bytes = ?, speed_bps = ?, progress_pct = ?, updated_at = ?
		WHERE id = ?`,
		downloaded, total, speed, pct, time.Now().UTC().Format(time.RFC3339), id)

	return err
}

// SetStatus sets the status and error message for a download. Completed
// downloads get their completed_at stamp in the same statement.
func (r *DownloadRepository) SetStatus(ctx context.Context, id string, status download.Status, errMessage string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var completedAt interface{}
	if status == download.StatusCompleted {
		completedAt = now
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads
		SET status = ?, error_message = ?, updated_at = ?,
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		string(status), nullString(errMessage), now, completedAt, id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *DownloadRepository) GetChunks(ctx context.Context, id string) ([]download.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT idx, range_start, range_end, written, state
		FROM download_chunks WHERE download_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []download.Chunk

	for rows.Next() {
		var c download.Chunk

		var state string

		if err := rows.Scan(&c.Index, &c.Start, &c.End, &c.Written, &state); err != nil {
			return nil, err
		}

		c.State = download.ChunkState(state)
		chunks = append(chunks, c)
	}

	return chunks, rows.Err()
}

// ReplaceChunks rewrites the persisted chunk plan for a download. Called on
// pause so each unfinished chunk can resume from its last known offset.
func (r *DownloadRepository) ReplaceChunks(ctx context.Context, id string, chunks []download.Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM download_chunks WHERE download_id = ?`, id); err != nil {
		return err
	}

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO download_chunks (download_id, idx, range_start, range_end, written, state)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, c.Index, c.Start, c.End, c.Written, string(c.State))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *DownloadRepository) DeleteChunks(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM download_chunks WHERE download_id = ?`, id)

	return err
}

func (r *DownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	if err := r.DeleteChunks(ctx, id); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDownload(row rowScanner) (*download.Download, error) {
	var d download.Download

	var (
		contentType, status  string
		errMessage           sql.NullString
		createdAt, updatedAt string
		completedAt          sql.NullString
	)

	err := row.Scan(&d.ID, &contentType, &d.StreamID, &d.Title, &d.SourceURL, &d.FilePath,
		&status, &d.ProgressPct, &d.SpeedBPS, &d.TotalBytes, &d.DownloadedBytes, &d.Chunks,
		&errMessage, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	d.ContentType = download.ContentType(contentType)
	d.Status = download.Status(status)
	d.ErrorMessage = errMessage.String

	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			d.CompletedAt = &t
		}
	}

	return &d, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}

	return t.Format(time.RFC3339)
}
