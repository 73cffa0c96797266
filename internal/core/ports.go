package core

import (
	"context"
	"time"
)

// Fetcher pulls messages from a mailbox
type Fetcher interface {
	// FetchSince returns messages received after the cursor, oldest first,
	// together with the cursor positioned after the last returned message.
	FetchSince(ctx context.Context, cursor Cursor) ([]*Message, Cursor, error)

	// FetchRecent returns the n most recent messages
	FetchRecent(ctx context.Context, n int) ([]*Message, error)
}

// JudgmentClient asks a language model how important a message is
type JudgmentClient interface {
	Judge(ctx context.Context, msg *Message) (*Judgment, error)
}

// Transport delivers payloads on one channel
type Transport interface {
	Channel() string
	Send(ctx context.Context, payload *Payload) (*DeliveryResult, error)
}

// DedupStore records which (message, channel) pairs were already notified
type DedupStore interface {
	// ShouldNotify reports whether the pair has not been notified yet
	ShouldNotify(ctx context.Context, messageID, channel string) (bool, error)

	// RecordNotified marks the pair as notified. Calling it twice is a no-op.
	RecordNotified(ctx context.Context, messageID, channel string) error

	// MarkSeen stores the first time a message was classified
	MarkSeen(ctx context.Context, messageID string, at time.Time) error

	// Get returns the record for a message
	Get(ctx context.Context, messageID string) (*DedupRecord, error)

	// Prune removes records first seen before the cutoff
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// CursorStore persists the monitor position across restarts
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (Cursor, error)
	SaveCursor(ctx context.Context, name string, cursor Cursor) error
}

// StateStore is a backend that holds both dedup records and cursors
type StateStore interface {
	DedupStore
	CursorStore
	Close() error
}

// Clock abstracts wall-clock time for the monitor and digest tasks
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock
type SystemClock struct{}

// Now returns the current time
func (SystemClock) Now() time.Time { return time.Now() }
