package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

type memoryRecord struct {
	firstSeen time.Time
	channels  map[string]time.Time
}

// MemoryStore is an in-memory implementation of the StateStore interface.
// State is lost on restart.
type MemoryStore struct {
	records map[string]*memoryRecord
	cursors map[string]core.Cursor
	mu      sync.RWMutex
	logger  *zap.Logger
	clock   core.Clock
	pruner  *pruner
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(logger *zap.Logger, opts Options) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*memoryRecord),
		cursors: make(map[string]core.Cursor),
		logger:  logger,
		clock:   opts.clock(),
	}
	s.pruner = startPruner(s, opts, logger)
	return s
}

// ShouldNotify reports whether the message has not yet been sent on channel
func (s *MemoryStore) ShouldNotify(_ context.Context, messageID, channel string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[messageID]
	if !ok {
		return true, nil
	}
	_, sent := rec.channels[channel]
	return !sent, nil
}

// RecordNotified marks the message as sent on channel
func (s *MemoryStore) RecordNotified(_ context.Context, messageID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	rec := s.record(messageID, now)
	if _, ok := rec.channels[channel]; !ok {
		rec.channels[channel] = now
	}
	return nil
}

// MarkSeen stores the first time the message was seen
func (s *MemoryStore) MarkSeen(_ context.Context, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(messageID, at)
	return nil
}

func (s *MemoryStore) record(messageID string, firstSeen time.Time) *memoryRecord {
	rec, ok := s.records[messageID]
	if !ok {
		rec = &memoryRecord{firstSeen: firstSeen, channels: make(map[string]time.Time)}
		s.records[messageID] = rec
	}
	return rec
}

// Get returns the dedup record of a message
func (s *MemoryStore) Get(_ context.Context, messageID string) (*core.DedupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[messageID]
	if !ok {
		return nil, core.ErrNotFound
	}
	channels := make([]string, 0, len(rec.channels))
	for ch := range rec.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return &core.DedupRecord{MessageID: messageID, FirstSeen: rec.firstSeen, Channels: channels}, nil
}

// Prune removes records first seen before the given time
func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.firstSeen.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// LoadCursor returns the named cursor, or the zero cursor
func (s *MemoryStore) LoadCursor(_ context.Context, name string) (core.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

// SaveCursor stores the named cursor
func (s *MemoryStore) SaveCursor(_ context.Context, name string, c core.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = c
	return nil
}

// Close stops the background prune task
func (s *MemoryStore) Close() error {
	s.pruner.stop()
	return nil
}
