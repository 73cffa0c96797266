// Package digest groups classified messages into daily and weekly windows
// and turns a closed window into a report.
package digest

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

type windowState int

const (
	stateOpen windowState = iota
	stateFlushed
)

func (s windowState) String() string {
	if s == stateFlushed {
		return "FLUSHED"
	}
	return "OPEN"
}

type windowKey struct {
	kind  Kind
	start int64
}

func keyOf(kind Kind, start time.Time) windowKey {
	return windowKey{kind: kind, start: start.UnixNano()}
}

type window struct {
	kind  Kind
	start time.Time
	end   time.Time
	state windowState
	items []Item
	ids   map[string]struct{}
}

// Item is one message as it appears in a digest
type Item struct {
	MessageID  string
	From       string
	Sender     string
	Subject    string
	Summary    string
	Category   string
	Tier       core.Tier
	VIP        bool
	ReceivedAt time.Time
}

// flushedRetention is how long flushed window markers are kept around to
// reject late ingests
const flushedRetention = 14 * 24 * time.Hour

// Aggregator collects (message, verdict) pairs per digest window
type Aggregator struct {
	holder  *config.Holder
	logger  *zap.Logger
	clock   core.Clock
	mu      sync.Mutex
	windows map[windowKey]*window
}

// NewAggregator creates an aggregator. Schedules and thresholds are read
// from the current settings on every call.
func NewAggregator(holder *config.Holder, logger *zap.Logger, clock core.Clock) *Aggregator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Aggregator{
		holder:  holder,
		logger:  logger,
		clock:   clock,
		windows: make(map[windowKey]*window),
	}
}

// Ingest adds the pair to the open window of every enabled kind whose
// threshold the verdict meets. It reports whether any window took it.
func (a *Aggregator) Ingest(msg *core.Message, v *core.Verdict) bool {
	at := msg.ReceivedAt
	if at.IsZero() {
		at = a.clock.Now()
	}
	item := Item{
		MessageID:  msg.ID,
		From:       msg.From,
		Sender:     msg.SenderAddress(),
		Subject:    msg.Subject,
		Summary:    summaryOf(msg, v),
		Category:   v.Category,
		Tier:       v.Tier,
		VIP:        v.IsVIP(),
		ReceivedAt: at,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	added := false
	for _, sc := range Schedules(a.holder.Current().Digest) {
		if !sc.Enabled || !v.Tier.AtLeast(sc.Threshold) {
			continue
		}
		start := sc.PeriodStart(at)
		w := a.window(sc, start)
		if w.state == stateFlushed {
			a.logger.Warn("Digest window already flushed, ignoring message",
				zap.String("message_id", msg.ID),
				zap.String("kind", string(sc.Kind)),
				zap.Time("period_start", start))
			continue
		}
		if _, dup := w.ids[msg.ID]; dup {
			continue
		}
		w.ids[msg.ID] = struct{}{}
		w.items = append(w.items, item)
		added = true
	}
	return added
}

// window returns the window for (kind, start), opening it if needed.
// Callers hold a.mu.
func (a *Aggregator) window(sc Schedule, start time.Time) *window {
	k := keyOf(sc.Kind, start)
	w, ok := a.windows[k]
	if !ok {
		w = &window{
			kind:  sc.Kind,
			start: start,
			end:   sc.Next(start),
			ids:   make(map[string]struct{}),
		}
		a.windows[k] = w
	}
	return w
}

// Flush closes the window and returns its report. Flushing a window that
// is already flushed returns an empty report.
func (a *Aggregator) Flush(kind Kind, periodStart time.Time) *Report {
	sc := ScheduleFor(a.holder.Current().Digest, kind)
	topN := a.holder.Current().Digest.TopSenders

	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.window(sc, periodStart)
	if w.state == stateFlushed {
		a.logger.Info("Digest window already flushed",
			zap.String("kind", string(kind)),
			zap.Time("period_start", periodStart))
		return newReport(kind, w.start, w.end, nil, topN)
	}

	report := newReport(kind, w.start, w.end, w.items, topN)
	w.state = stateFlushed
	w.items = nil
	w.ids = nil
	a.forget(periodStart.Add(-flushedRetention))

	a.logger.Info("Digest window flushed",
		zap.String("kind", string(kind)),
		zap.Time("period_start", periodStart),
		zap.Int("messages", report.Total))
	return report
}

// Pending returns how many messages the open window for (kind, periodStart) holds
func (a *Aggregator) Pending(kind Kind, periodStart time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.windows[keyOf(kind, periodStart)]; ok && w.state == stateOpen {
		return len(w.items)
	}
	return 0
}

// forget drops flushed windows that ended before cutoff. Callers hold a.mu.
func (a *Aggregator) forget(cutoff time.Time) {
	for k, w := range a.windows {
		if w.state == stateFlushed && w.end.Before(cutoff) {
			delete(a.windows, k)
		}
	}
}

func summaryOf(msg *core.Message, v *core.Verdict) string {
	if s := strings.TrimSpace(v.Summary); s != "" {
		return s
	}
	if s := strings.TrimSpace(msg.Snippet); s != "" {
		return s
	}
	return "No summary available"
}

// sortItems orders items by tier, most severe first, then by time
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Tier != items[j].Tier {
			return items[i].Tier > items[j].Tier
		}
		if !items[i].ReceivedAt.Equal(items[j].ReceivedAt) {
			return items[i].ReceivedAt.Before(items[j].ReceivedAt)
		}
		return items[i].MessageID < items[j].MessageID
	})
}
