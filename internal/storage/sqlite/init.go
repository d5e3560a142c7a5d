package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at the given path and creates the schema
// if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		title TEXT NOT NULL,
		source_url TEXT NOT NULL,
		file_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		progress_pct REAL NOT NULL DEFAULT 0,
		speed_bps INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT -1,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		chunks INTEGER NOT NULL DEFAULT 16,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS download_chunks (
		download_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		range_start INTEGER NOT NULL,
		range_end INTEGER NOT NULL,
		written INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (download_id, idx)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
