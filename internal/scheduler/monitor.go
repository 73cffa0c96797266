// Package scheduler runs the polling monitor and the digest service.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/digest"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// maxPanics is how many times one message may panic before the monitor
// gives up on it and moves the cursor past it
const maxPanics = 3

// Hooks receives scheduler events, typically for metrics
type Hooks struct {
	OnTick      func(duration time.Duration, fetched int, err error)
	OnPollError func(kind string)
	OnDigest    func(kind, result string)
}

// TickResult summarizes one poll
type TickResult struct {
	TickID    string
	Fetched   int
	Processed int
	Failed    int
	Sent      int
	Degraded  int
	Cursor    core.Cursor
}

// Monitor polls the mailbox and runs each new message through
// classification, routing and digest ingestion
type Monitor struct {
	holder     *config.Holder
	fetcher    core.Fetcher
	classifier *core.Classifier
	router     *router.Router
	aggregator *digest.Aggregator
	store      core.StateStore
	logger     *zap.Logger
	clock      core.Clock
	hooks      Hooks

	mu     sync.Mutex
	panics map[string]int
}

// NewMonitor creates a monitor
func NewMonitor(holder *config.Holder, fetcher core.Fetcher, classifier *core.Classifier,
	r *router.Router, aggregator *digest.Aggregator, store core.StateStore,
	logger *zap.Logger, clock core.Clock) *Monitor {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Monitor{
		holder:     holder,
		fetcher:    fetcher,
		classifier: classifier,
		router:     r,
		aggregator: aggregator,
		store:      store,
		logger:     logger,
		clock:      clock,
		panics:     make(map[string]int),
	}
}

// SetHooks installs event hooks
func (m *Monitor) SetHooks(h Hooks) {
	m.hooks = h
}

// Run polls until ctx is cancelled. It returns nil on cancellation and an
// error only for invalid configuration.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor started",
		zap.Duration("poll_interval", m.holder.Current().Monitor.PollInterval),
		zap.Strings("channels", m.holder.Current().EnabledChannels()))

	for {
		if _, err := m.Tick(ctx); err != nil {
			if errors.Is(err, core.ErrConfigInvalid) {
				return err
			}
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, core.ErrAuthExpired) {
				m.logger.Error("Mailbox authorization expired, re-authorize to resume", zap.Error(err))
			} else {
				m.logger.Warn("Poll failed, retrying next interval", zap.Error(err))
			}
		}

		timer := time.NewTimer(m.holder.Current().Monitor.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Monitor stopped")
			return nil
		case <-timer.C:
		}
	}
	m.logger.Info("Monitor stopped")
	return nil
}

// Tick runs one poll: load cursor, fetch, classify concurrently, then
// process each message in order and advance the cursor after each one.
func (m *Monitor) Tick(ctx context.Context) (res *TickResult, err error) {
	start := time.Now()
	res = &TickResult{TickID: ulid.Make().String()}
	defer func() {
		if m.hooks.OnTick != nil {
			m.hooks.OnTick(time.Since(start), res.Fetched, err)
		}
	}()

	s := m.holder.Current()
	logger := m.logger.With(zap.String("tick_id", res.TickID))

	cursor, err := m.store.LoadCursor(ctx, s.Monitor.CursorName)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		m.pollError("cursor")
		return res, fmt.Errorf("load cursor: %w", err)
	}
	fresh := cursor.IsZero()
	if fresh {
		cursor.After = m.clock.Now().Add(-s.Monitor.InitialLookback)
		logger.Info("No cursor yet, starting from lookback",
			zap.Time("after", cursor.After))
	}
	res.Cursor = cursor

	var msgs []*core.Message
	_, err = s.Monitor.FetchRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		var ferr error
		msgs, _, ferr = m.fetcher.FetchSince(ctx, cursor)
		if ferr != nil {
			logger.Warn("Fetch attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(ferr))
		}
		return ferr
	})
	if err != nil {
		if errors.Is(err, core.ErrAuthExpired) {
			m.pollError("auth")
		} else {
			m.pollError("fetch")
		}
		return res, err
	}
	res.Fetched = len(msgs)

	if len(msgs) == 0 {
		if fresh {
			m.saveCursor(ctx, logger, s.Monitor.CursorName, cursor)
		}
		logger.Debug("No new messages")
		return res, nil
	}

	sortMessages(msgs)
	logger.Info("Fetched new messages", zap.Int("count", len(msgs)))

	results := classifyAll(ctx, m.classifier, s.Rules(), msgs, s.Monitor.Concurrency, logger)

	// Once a message fails, the rest of the batch is still processed but the
	// cursor stays on the last message before the failure. The next poll
	// fetches them again; dedup keeps that from sending twice.
	held := false
	for _, c := range results {
		if ctx.Err() != nil {
			logger.Info("Cancelled, leaving remaining messages for next poll",
				zap.Int("remaining", res.Fetched-res.Processed-res.Failed))
			break
		}

		if err := m.process(ctx, s, logger, c, res); err != nil {
			if m.recordPanic(c.msg.ID) < maxPanics {
				logger.Error("Message processing failed, cursor held before it",
					zap.String("message_id", c.msg.ID),
					zap.Error(err))
				res.Failed++
				held = true
				continue
			}
			logger.Error("Message keeps failing, skipping it",
				zap.String("message_id", c.msg.ID),
				zap.Int("attempts", maxPanics),
				zap.Error(err))
		}
		res.Processed++

		if held {
			continue
		}
		cursor = core.Cursor{After: c.msg.ReceivedAt, LastID: c.msg.ID}
		m.saveCursor(ctx, logger, s.Monitor.CursorName, cursor)
		res.Cursor = cursor
	}
	if fresh && cursor.LastID == "" {
		m.saveCursor(ctx, logger, s.Monitor.CursorName, cursor)
	}

	logger.Info("Poll complete",
		zap.Int("fetched", res.Fetched),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("sent", res.Sent),
		zap.Int("degraded", res.Degraded),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// process runs one message to completion under a context that ignores
// cancellation but is bounded by the process timeout. A panic is
// returned as an error.
func (m *Monitor) process(ctx context.Context, s *config.Settings, logger *zap.Logger, c classified, res *TickResult) (err error) {
	if c.verdict == nil {
		return c.err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Monitor.ProcessTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing panicked: %v", r)
			logger.Error("Message processing panicked",
				zap.String("message_id", c.msg.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	msg, v := c.msg, c.verdict
	if v.Degraded {
		res.Degraded++
	}

	if err := m.store.MarkSeen(pctx, msg.ID, m.clock.Now()); err != nil {
		logger.Warn("Failed to mark message seen",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}

	outcomes := m.router.Route(pctx, msg, v)
	res.Sent += router.Sent(outcomes)

	m.aggregator.Ingest(msg, v)

	logger.Debug("Message processed",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.SenderAddress()),
		zap.String("tier", v.Tier.String()),
		zap.Strings("labels", v.Labels),
		zap.Bool("degraded", v.Degraded),
		zap.Int("sent", router.Sent(outcomes)))
	return nil
}

func (m *Monitor) saveCursor(ctx context.Context, logger *zap.Logger, name string, c core.Cursor) {
	if err := m.store.SaveCursor(context.WithoutCancel(ctx), name, c); err != nil {
		m.pollError("cursor")
		logger.Error("Failed to persist cursor",
			zap.String("message_id", c.LastID),
			zap.Error(err))
	}
}

func (m *Monitor) recordPanic(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[id]++
	n := m.panics[id]
	if n >= maxPanics {
		delete(m.panics, id)
	}
	return n
}

func (m *Monitor) pollError(kind string) {
	if m.hooks.OnPollError != nil {
		m.hooks.OnPollError(kind)
	}
}

// DryRunResult is the classification and planned routing of one message
type DryRunResult struct {
	Message *core.Message
	Verdict *core.Verdict
	Err     error
	Plan    []router.Outcome
}

// DryRun classifies the n most recent messages and reports where they
// would be sent. Nothing is sent and no state is written.
func (m *Monitor) DryRun(ctx context.Context, n int) ([]DryRunResult, error) {
	s := m.holder.Current()

	var msgs []*core.Message
	_, err := s.Monitor.FetchRetry.Do(ctx, func(ctx context.Context, _ int) error {
		var ferr error
		msgs, ferr = m.fetcher.FetchRecent(ctx, n)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	results := classifyAll(ctx, m.classifier, s.Rules(), msgs, s.Monitor.Concurrency, m.logger)
	out := make([]DryRunResult, 0, len(results))
	for _, c := range results {
		r := DryRunResult{Message: c.msg, Verdict: c.verdict, Err: c.err}
		if c.verdict != nil {
			r.Plan = m.router.Plan(ctx, c.msg, c.verdict)
		}
		out = append(out, r)
	}
	return out, nil
}
