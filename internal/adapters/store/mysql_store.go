package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var mysqlDialect = dialect{
	name: "MySQL",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS dedup_records (
			message_id VARCHAR(255) PRIMARY KEY,
			first_seen BIGINT NOT NULL,
			INDEX idx_dedup_records_first_seen (first_seen)
		)`,
		`CREATE TABLE IF NOT EXISTS dedup_notifications (
			message_id VARCHAR(255) NOT NULL,
			channel VARCHAR(64) NOT NULL,
			notified_at BIGINT NOT NULL,
			PRIMARY KEY (message_id, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS poll_cursors (
			name VARCHAR(128) PRIMARY KEY,
			after_ns BIGINT NOT NULL,
			last_id VARCHAR(255) NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	},
	insertRecord: `INSERT INTO dedup_records (message_id, first_seen) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE message_id = message_id`,
	insertNotify: `INSERT INTO dedup_notifications (message_id, channel, notified_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE message_id = message_id`,
	upsertCursor: `
		INSERT INTO poll_cursors (name, after_ns, last_id, updated_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			after_ns = VALUES(after_ns),
			last_id = VALUES(last_id),
			updated_at = VALUES(updated_at)`,
}

// MySQLStore is a MySQL implementation of the StateStore interface
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects to MySQL and creates the tables if needed
func NewMySQLStore(ctx context.Context, dsn string, logger *zap.Logger, opts Options) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect, logger, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: s}, nil
}
