package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// dialect holds the statements that differ between database/sql backends
type dialect struct {
	name         string
	schema       []string
	insertRecord string
	insertNotify string
	upsertCursor string
}

// sqlStore implements StateStore on database/sql. Times are stored as
// Unix nanoseconds so every backend compares them the same way.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
	clock   core.Clock
	pruner  *pruner
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger *zap.Logger, opts Options) (*sqlStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, persistErr("create "+d.name+" schema", err)
		}
	}

	s := &sqlStore{
		db:      db,
		dialect: d,
		logger:  logger,
		clock:   opts.clock(),
	}
	s.pruner = startPruner(s, opts, logger)
	return s, nil
}

// ShouldNotify reports whether the message has not yet been sent on channel
func (s *sqlStore) ShouldNotify(ctx context.Context, messageID, channel string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM dedup_notifications WHERE message_id = ? AND channel = ?`,
		messageID, channel).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, persistErr("query notification", err)
	}
	return false, nil
}

// RecordNotified marks the message as sent on channel. Repeated calls are no-ops.
func (s *sqlStore) RecordNotified(ctx context.Context, messageID, channel string) error {
	now := s.clock.Now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.dialect.insertRecord, messageID, now); err != nil {
		return persistErr("insert record", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.insertNotify, messageID, channel, now); err != nil {
		return persistErr("insert notification", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit notification", err)
	}
	return nil
}

// MarkSeen stores the first time the message was seen
func (s *sqlStore) MarkSeen(ctx context.Context, messageID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.insertRecord, messageID, at.UnixNano()); err != nil {
		return persistErr("insert record", err)
	}
	return nil
}

// Get returns the dedup record of a message
func (s *sqlStore) Get(ctx context.Context, messageID string) (*core.DedupRecord, error) {
	var firstSeen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT first_seen FROM dedup_records WHERE message_id = ?`, messageID).Scan(&firstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, persistErr("query record", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT channel FROM dedup_notifications WHERE message_id = ? ORDER BY channel`, messageID)
	if err != nil {
		return nil, persistErr("query notifications", err)
	}
	defer rows.Close()

	rec := &core.DedupRecord{MessageID: messageID, FirstSeen: time.Unix(0, firstSeen)}
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, persistErr("scan notification", err)
		}
		rec.Channels = append(rec.Channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("read notifications", err)
	}
	return rec, nil
}

// Prune removes records first seen before the given time
func (s *sqlStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM dedup_notifications
		WHERE message_id IN (SELECT message_id FROM dedup_records WHERE first_seen < ?)
	`, cutoff); err != nil {
		return 0, persistErr("prune notifications", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM dedup_records WHERE first_seen < ?`, cutoff)
	if err != nil {
		return 0, persistErr("prune records", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, persistErr("commit prune", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Failed to get rows affected during prune", zap.Error(err))
		return 0, nil
	}
	return n, nil
}

// LoadCursor returns the named cursor, or the zero cursor
func (s *sqlStore) LoadCursor(ctx context.Context, name string) (core.Cursor, error) {
	var after int64
	var lastID string
	err := s.db.QueryRowContext(ctx,
		`SELECT after_ns, last_id FROM poll_cursors WHERE name = ?`, name).Scan(&after, &lastID)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *sqlStore) SaveCursor(ctx context.Context, name string, c core.Cursor) error {
	var after int64
	if !c.After.IsZero() {
		after = c.After.UnixNano()
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertCursor,
		name, after, c.LastID, s.clock.Now().UnixNano()); err != nil {
		return persistErr("save cursor", err)
	}
	return nil
}

// Close stops the background prune task and closes the database connection
func (s *sqlStore) Close() error {
	s.pruner.stop()
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close "+s.dialect.name+" database", zap.Error(err))
		return err
	}
	return nil
}
