package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

//go:embed postgres_schema.sql
var postgresSchema string

// PostgresStore is a PostgreSQL implementation of the StateStore interface
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	clock  core.Clock
	pruner *pruner
}

// NewPostgresStore connects to PostgreSQL, applies the schema, and returns a ready store
func NewPostgresStore(ctx context.Context, databaseURL string, logger *zap.Logger, opts Options) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, persistErr("apply schema", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
		clock:  opts.clock(),
	}
	s.pruner = startPruner(s, opts, logger)
	return s, nil
}

// ShouldNotify reports whether the message has not yet been sent on channel
func (s *PostgresStore) ShouldNotify(ctx context.Context, messageID, channel string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dedup_notifications WHERE message_id = $1 AND channel = $2)`,
		messageID, channel).Scan(&exists)
	if err != nil {
		return false, persistErr("query notification", err)
	}
	return !exists, nil
}

// RecordNotified marks the message as sent on channel. Repeated calls are no-ops.
func (s *PostgresStore) RecordNotified(ctx context.Context, messageID, channel string) error {
	now := s.clock.Now().UnixNano()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistErr("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx,
		`INSERT INTO dedup_records (message_id, first_seen) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, now); err != nil {
		return persistErr("insert record", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dedup_notifications (message_id, channel, notified_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, channel, now); err != nil {
		return persistErr("insert notification", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return persistErr("commit notification", err)
	}
	return nil
}

// MarkSeen stores the first time the message was seen
func (s *PostgresStore) MarkSeen(ctx context.Context, messageID string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO dedup_records (message_id, first_seen) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, at.UnixNano()); err != nil {
		return persistErr("insert record", err)
	}
	return nil
}

// Get returns the dedup record of a message
func (s *PostgresStore) Get(ctx context.Context, messageID string) (*core.DedupRecord, error) {
	var firstSeen int64
	err := s.pool.QueryRow(ctx,
		`SELECT first_seen FROM dedup_records WHERE message_id = $1`, messageID).Scan(&firstSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, persistErr("query record", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT channel FROM dedup_notifications WHERE message_id = $1 ORDER BY channel`, messageID)
	if err != nil {
		return nil, persistErr("query notifications", err)
	}
	channels, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistErr("read notifications", err)
	}

	return &core.DedupRecord{
		MessageID: messageID,
		FirstSeen: time.Unix(0, firstSeen),
		Channels:  channels,
	}, nil
}

// Prune removes records first seen before the given time
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, persistErr("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `
		DELETE FROM dedup_notifications n
		USING dedup_records r
		WHERE n.message_id = r.message_id AND r.first_seen < $1
	`, cutoff); err != nil {
		return 0, persistErr("prune notifications", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM dedup_records WHERE first_seen < $1`, cutoff)
	if err != nil {
		return 0, persistErr("prune records", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, persistErr("commit prune", err)
	}
	return tag.RowsAffected(), nil
}

// LoadCursor returns the named cursor, or the zero cursor
func (s *PostgresStore) LoadCursor(ctx context.Context, name string) (core.Cursor, error) {
	var after int64
	var lastID string
	err := s.pool.QueryRow(ctx,
		`SELECT after_ns, last_id FROM poll_cursors WHERE name = $1`, name).Scan(&after, &lastID)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Cursor{}, nil
	}
	if err != nil {
		return core.Cursor{}, persistErr("query cursor", err)
	}
	c := core.Cursor{LastID: lastID}
	if after != 0 {
		c.After = time.Unix(0, after)
	}
	return c, nil
}

// SaveCursor stores the named cursor
func (s *PostgresStore) SaveCursor(ctx context.Context, name string, c core.Cursor) error {
	var after int64
	if !c.After.IsZero() {
		after = c.After.UnixNano()
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO poll_cursors (name, after_ns, last_id, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			after_ns = EXCLUDED.after_ns,
			last_id = EXCLUDED.last_id,
			updated_at = EXCLUDED.updated_at
	`, name, after, c.LastID, s.clock.Now().UnixNano()); err != nil {
		return persistErr("save cursor", err)
	}
	return nil
}

// Close stops the background prune task and shuts down the connection pool
func (s *PostgresStore) Close() error {
	s.pruner.stop()
	s.pool.Close()
	return nil
}
