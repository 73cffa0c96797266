package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteDialect = dialect{
	name: "SQLite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS dedup_records (
			message_id TEXT PRIMARY KEY,
			first_seen INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dedup_records_first_seen ON dedup_records(first_seen)`,
		`CREATE TABLE IF NOT EXISTS dedup_notifications (
			message_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			notified_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS poll_cursors (
			name TEXT PRIMARY KEY,
			after_ns INTEGER NOT NULL,
			last_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	},
	insertRecord: `INSERT OR IGNORE INTO dedup_records (message_id, first_seen) VALUES (?, ?)`,
	insertNotify: `INSERT OR IGNORE INTO dedup_notifications (message_id, channel, notified_at) VALUES (?, ?, ?)`,
	upsertCursor: `
		INSERT INTO poll_cursors (name, after_ns, last_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			after_ns = excluded.after_ns,
			last_id = excluded.last_id,
			updated_at = excluded.updated_at`,
}

// SQLiteStore is a SQLite implementation of the StateStore interface
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(ctx context.Context, dbPath string, logger *zap.Logger, opts Options) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the monitor and digest tasks.
	db.SetMaxOpenConns(1)

	s, err := newSQLStore(ctx, db, sqliteDialect, logger, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Opened SQLite store", zap.String("path", dbPath))
	return &SQLiteStore{sqlStore: s}, nil
}
