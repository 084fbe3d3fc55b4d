package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the downloads table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite serialises writers; a single connection avoids SQLITE_BUSY and keeps
	// ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		file_name TEXT NOT NULL,
		save_path TEXT NOT NULL,
		total_bytes INTEGER NOT NULL DEFAULT -1,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		instance TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create downloads table: %w", err)
	}

	return db, nil
}
