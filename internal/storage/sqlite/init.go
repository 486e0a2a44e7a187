package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	url TEXT NOT NULL,
	file_name TEXT NOT NULL,
	save_path TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	status_text TEXT,
	failure_reason TEXT,
	progress REAL NOT NULL DEFAULT 0,
	downloaded_size INTEGER NOT NULL DEFAULT 0,
	file_size INTEGER NOT NULL DEFAULT 0,
	instant_speed REAL NOT NULL DEFAULT 0,
	smoothed_speed REAL NOT NULL DEFAULT 0,
	remaining_time TEXT,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	headers TEXT,
	cookies_path TEXT,
	peer_count INTEGER NOT NULL DEFAULT 0,
	seed_count INTEGER NOT NULL DEFAULT 0,
	upload_speed REAL NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	was_manually_paused INTEGER NOT NULL DEFAULT 0,
	is_resuming INTEGER NOT NULL DEFAULT 0,
	resuming_since TEXT,
	disconnect_snapshot TEXT,
	media TEXT,
	torrent TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
)`

// InitDB opens the SQLite database at path and creates the records table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
