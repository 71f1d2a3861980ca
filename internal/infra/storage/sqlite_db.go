package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// InitSQLite opens the SQLite database at dbPath and creates the event and
// sample tables. maxOpen bounds the connection pool; values below one
// leave the driver default.
func InitSQLite(dbPath string, maxOpen int) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := createSchemas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schemas: %w", err)
	}

	return db, nil
}

func createSchemas(db *sql.DB) error {
	schemas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			ts_ns INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			loop_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cycle_samples (
			loop_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			start_ns INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			ideal_ns INTEGER NOT NULL,
			target_ns INTEGER NOT NULL DEFAULT 0,
			jitter_ns INTEGER NOT NULL,
			work_completed BOOLEAN NOT NULL DEFAULT 0,
			skipped BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (loop_id, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_loop_id ON events(loop_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_samples_start ON cycle_samples(start_ns);`,
	}

	for _, query := range schemas {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}
