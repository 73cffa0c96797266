package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/digest"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DigestResult describes one digest run
type DigestResult struct {
	Kind        digest.Kind
	PeriodStart time.Time
	Backfilled  int
	Report      *digest.Report
	Outcomes    []router.Outcome
}

// DigestService flushes digest windows on their cron schedule and routes
// the reports
type DigestService struct {
	holder     *config.Holder
	aggregator *digest.Aggregator
	router     *router.Router
	fetcher    core.Fetcher
	classifier *core.Classifier
	logger     *zap.Logger
	clock      core.Clock
	hooks      Hooks

	runMu sync.Mutex
	cron  *cron.Cron
}

// NewDigestService creates a digest service. fetcher and classifier are
// only used for backfill and may be nil when backfill is off.
func NewDigestService(holder *config.Holder, aggregator *digest.Aggregator, r *router.Router,
	fetcher core.Fetcher, classifier *core.Classifier, logger *zap.Logger, clock core.Clock) *DigestService {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &DigestService{
		holder:     holder,
		aggregator: aggregator,
		router:     r,
		fetcher:    fetcher,
		classifier: classifier,
		logger:     logger,
		clock:      clock,
	}
}

// SetHooks installs event hooks
func (d *DigestService) SetHooks(h Hooks) {
	d.hooks = h
}

// Start registers the enabled schedules and starts the cron runner. With
// digest.catch_up set, the windows that closed most recently are flushed
// right away; synthetic-ID dedup keeps a digest from going out twice.
func (d *DigestService) Start(ctx context.Context) error {
	s := d.holder.Current()
	loc := digest.ScheduleFor(s.Digest, digest.Daily).Location
	c := cron.New(cron.WithSeconds(), cron.WithLocation(loc))

	var kinds []digest.Kind
	for _, sc := range digest.Schedules(s.Digest) {
		if !sc.Enabled {
			continue
		}
		kind := sc.Kind
		spec := sc.CronSpec()
		if _, err := c.AddFunc(spec, func() { d.fire(ctx, kind) }); err != nil {
			return fmt.Errorf("%w: digest schedule %s %q: %v", core.ErrConfigInvalid, kind, spec, err)
		}
		kinds = append(kinds, kind)
		d.logger.Info("Digest scheduled",
			zap.String("kind", string(kind)),
			zap.String("cron", spec),
			zap.String("timezone", loc.String()))
	}

	d.cron = c
	c.Start()

	if s.Digest.CatchUp {
		for _, kind := range kinds {
			d.fire(ctx, kind)
		}
	}
	return nil
}

// Stop stops the cron runner and waits briefly for a running digest
func (d *DigestService) Stop() {
	if d.cron == nil {
		return
	}
	stopCtx := d.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		d.logger.Warn("Timed out waiting for running digest to finish")
	}
}

// Run starts the service and blocks until ctx is cancelled
func (d *DigestService) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	d.logger.Info("Digest service stopped")
	return nil
}

func (d *DigestService) fire(ctx context.Context, kind digest.Kind) {
	s := d.holder.Current()
	start := digest.ScheduleFor(s.Digest, kind).ClosedAt(d.clock.Now())
	if _, err := d.RunOnce(ctx, kind, start, s.Digest.Backfill); err != nil {
		d.logger.Error("Digest run failed",
			zap.String("kind", string(kind)),
			zap.Time("period_start", start),
			zap.Error(err))
	}
}

// RunClosed runs the digest for the window of kind that closed most recently
func (d *DigestService) RunClosed(ctx context.Context, kind digest.Kind, backfill bool) (*DigestResult, error) {
	start := digest.ScheduleFor(d.holder.Current().Digest, kind).ClosedAt(d.clock.Now())
	return d.RunOnce(ctx, kind, start, backfill)
}

// RunOnce optionally backfills the window from the mailbox, flushes it and
// routes the report. An empty report is not sent.
func (d *DigestService) RunOnce(ctx context.Context, kind digest.Kind, periodStart time.Time, backfill bool) (*DigestResult, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	res := &DigestResult{Kind: kind, PeriodStart: periodStart}
	logger := d.logger.With(
		zap.String("kind", string(kind)),
		zap.Time("period_start", periodStart))

	if backfill {
		n, err := d.backfill(ctx, kind, periodStart)
		if err != nil {
			d.digestEvent(kind, "error")
			return res, fmt.Errorf("backfill %s digest: %w", kind, err)
		}
		res.Backfilled = n
	}

	res.Report = d.aggregator.Flush(kind, periodStart)
	if res.Report.Empty() {
		logger.Info("No messages for digest, skipping")
		d.digestEvent(kind, "empty")
		return res, nil
	}

	text, err := res.Report.Text()
	if err != nil {
		d.digestEvent(kind, "error")
		return res, err
	}
	html, err := res.Report.HTML()
	if err != nil {
		d.digestEvent(kind, "error")
		return res, err
	}

	res.Outcomes = d.router.RouteDigest(context.WithoutCancel(ctx), router.Digest{
		Kind:        string(kind),
		PeriodStart: periodStart.UTC().Format(time.RFC3339),
		Title:       res.Report.Title(),
		Text:        text,
		HTML:        html,
		Total:       res.Report.Total,
	})

	result := "sent"
	switch {
	case router.Sent(res.Outcomes) == 0 && hasFailure(res.Outcomes):
		result = "failed"
	case router.Sent(res.Outcomes) == 0:
		result = "duplicate"
	}
	d.digestEvent(kind, result)
	logger.Info("Digest routed",
		zap.Int("messages", res.Report.Total),
		zap.Int("backfilled", res.Backfilled),
		zap.Int("sent", router.Sent(res.Outcomes)),
		zap.String("result", result))
	return res, nil
}

// backfill fetches the messages of the window and ingests them
func (d *DigestService) backfill(ctx context.Context, kind digest.Kind, periodStart time.Time) (int, error) {
	if d.fetcher == nil || d.classifier == nil {
		return 0, fmt.Errorf("%w: backfill needs a mailbox and a classifier", core.ErrConfigInvalid)
	}
	s := d.holder.Current()
	end := digest.ScheduleFor(s.Digest, kind).Next(periodStart)

	var msgs []*core.Message
	_, err := s.Monitor.FetchRetry.Do(ctx, func(ctx context.Context, _ int) error {
		var ferr error
		msgs, _, ferr = d.fetcher.FetchSince(ctx, core.Cursor{After: periodStart.Add(-time.Nanosecond)})
		return ferr
	})
	if err != nil {
		return 0, err
	}

	inWindow := msgs[:0]
	for _, m := range msgs {
		if !m.ReceivedAt.Before(periodStart) && m.ReceivedAt.Before(end) {
			inWindow = append(inWindow, m)
		}
	}
	sortMessages(inWindow)
	if limit := s.Digest.BackfillLimit; limit > 0 && len(inWindow) > limit {
		d.logger.Warn("Backfill truncated",
			zap.String("kind", string(kind)),
			zap.Int("messages", len(inWindow)),
			zap.Int("limit", limit))
		inWindow = inWindow[len(inWindow)-limit:]
	}

	n := 0
	for _, c := range classifyAll(ctx, d.classifier, s.Rules(), inWindow, s.Monitor.Concurrency, d.logger) {
		if c.verdict == nil {
			continue
		}
		if d.aggregator.Ingest(c.msg, c.verdict) {
			n++
		}
	}
	d.logger.Info("Digest window backfilled",
		zap.String("kind", string(kind)),
		zap.Int("fetched", len(msgs)),
		zap.Int("ingested", n))
	return n, nil
}

func (d *DigestService) digestEvent(kind digest.Kind, result string) {
	if d.hooks.OnDigest != nil {
		d.hooks.OnDigest(string(kind), result)
	}
}

func hasFailure(outcomes []router.Outcome) bool {
	for _, o := range outcomes {
		if o.Status == router.StatusFailed || o.Status == router.StatusDedupError {
			return true
		}
	}
	return false
}
