// Package router decides which channels a classified message is sent to,
// and delivers it exactly once per (message, channel).
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Status is the result of routing to one channel
type Status string

const (
	StatusSent           Status = "sent"
	StatusFailed         Status = "failed"
	StatusPlanned        Status = "planned"
	StatusBelowThreshold Status = "below_threshold"
	StatusDuplicate      Status = "duplicate"
	StatusRateLimited    Status = "rate_limited"
	StatusDedupError     Status = "dedup_error"
	StatusNoTransport    Status = "no_transport"
)

// Outcome reports what happened on one channel
type Outcome struct {
	Channel  string
	Status   Status
	Attempts int
	Result   *core.DeliveryResult
	Err      error
}

// Hooks receives routing events, typically for metrics
type Hooks struct {
	OnDelivery         func(channel string, kind core.PayloadKind, status Status, attempts int)
	OnPersistenceError func(op string)
}

// Router fans a verdict out to the eligible channels
type Router struct {
	holder     *config.Holder
	store      core.DedupStore
	transports map[string]core.Transport
	tp         *utils.TextProcessor
	logger     *zap.Logger
	clock      core.Clock
	hooks      Hooks

	locks *keyedMutex

	limMu    sync.Mutex
	limiters map[string]*channelLimiter

	pendMu  sync.Mutex
	pending map[dedupKey]time.Time
}

type dedupKey struct {
	id      string
	channel string
}

func (k dedupKey) String() string {
	return k.channel + "\x00" + k.id
}

type channelLimiter struct {
	perHour int
	limiter *rate.Limiter
}

// NewRouter creates a router over the given transports
func NewRouter(holder *config.Holder, store core.DedupStore, transports []core.Transport,
	tp *utils.TextProcessor, logger *zap.Logger, clock core.Clock) *Router {
	if clock == nil {
		clock = core.SystemClock{}
	}
	byName := make(map[string]core.Transport, len(transports))
	for _, t := range transports {
		byName[t.Channel()] = t
	}
	return &Router{
		holder:     holder,
		store:      store,
		transports: byName,
		tp:         tp,
		logger:     logger,
		clock:      clock,
		locks:      newKeyedMutex(),
		limiters:   make(map[string]*channelLimiter),
		pending:    make(map[dedupKey]time.Time),
	}
}

// SetHooks installs event hooks
func (r *Router) SetHooks(h Hooks) {
	r.hooks = h
}

// Channels returns the channels that have a transport
func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.transports))
	for _, name := range r.holder.Current().Notify.ChannelOrder {
		if _, ok := r.transports[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Plan reports, without side effects, where the message would be sent.
// Rate limits are not consulted.
func (r *Router) Plan(ctx context.Context, msg *core.Message, v *core.Verdict) []Outcome {
	s := r.holder.Current()
	candidates, outcomes := r.candidates(s, v)
	for _, ch := range candidates {
		outcomes = append(outcomes, r.check(ctx, s, msg.ID, ch))
	}
	return orderOutcomes(s, outcomes)
}

// Route sends alerts for the message on every eligible channel. Eligibility
// is settled for all channels before the first send; each channel is then
// attempted in priority order independently of the others.
func (r *Router) Route(ctx context.Context, msg *core.Message, v *core.Verdict) []Outcome {
	s := r.holder.Current()
	r.FlushPending(ctx)

	candidates, outcomes := r.candidates(s, v)
	if len(candidates) == 0 {
		return orderOutcomes(s, outcomes)
	}

	keys := make([]string, len(candidates))
	for i, ch := range candidates {
		keys[i] = dedupKey{msg.ID, ch}.String()
	}
	unlock := r.locks.LockAll(keys)
	defer unlock()

	var eligible []string
	for _, ch := range candidates {
		o := r.check(ctx, s, msg.ID, ch)
		if o.Status == StatusPlanned && !r.allow(s, ch) {
			o.Status = StatusRateLimited
			r.logger.Warn("Channel rate limit reached, skipping alert",
				zap.String("message_id", msg.ID),
				zap.String("channel", ch))
		}
		if o.Status == StatusPlanned {
			eligible = append(eligible, ch)
			continue
		}
		r.emit(ch, core.PayloadAlert, o)
		outcomes = append(outcomes, o)
	}

	for _, ch := range eligible {
		p, err := buildAlert(r.tp, s, ch, msg, v)
		if err != nil {
			o := Outcome{Channel: ch, Status: StatusFailed, Err: err}
			r.emit(ch, core.PayloadAlert, o)
			outcomes = append(outcomes, o)
			continue
		}
		outcomes = append(outcomes, r.deliver(ctx, s, p, true))
	}

	return orderOutcomes(s, outcomes)
}

// RouteDigest sends a digest on every enabled channel that takes digests.
// An empty digest is not sent.
func (r *Router) RouteDigest(ctx context.Context, d Digest) []Outcome {
	if d.Total == 0 {
		r.logger.Info("Digest is empty, nothing to send",
			zap.String("kind", d.Kind),
			zap.String("period_start", d.PeriodStart))
		return nil
	}

	s := r.holder.Current()
	r.FlushPending(ctx)

	var channels []string
	for _, ch := range s.EnabledChannels() {
		if cfg, _ := s.Channel(ch); cfg.Digest {
			channels = append(channels, ch)
		}
	}

	id := d.DedupID()
	keys := make([]string, len(channels))
	for i, ch := range channels {
		keys[i] = dedupKey{id, ch}.String()
	}
	unlock := r.locks.LockAll(keys)
	defer unlock()

	var outcomes, eligible []Outcome
	for _, ch := range channels {
		o := r.check(ctx, s, id, ch)
		if o.Status == StatusPlanned {
			eligible = append(eligible, o)
			continue
		}
		r.emit(ch, core.PayloadDigest, o)
		outcomes = append(outcomes, o)
	}
	for _, o := range eligible {
		outcomes = append(outcomes, r.deliver(ctx, s, buildDigest(r.tp, s, o.Channel, d), true))
	}
	return orderOutcomes(s, outcomes)
}

// SendTest sends a synthetic notification on one channel, bypassing dedup
// and rate limits
func (r *Router) SendTest(ctx context.Context, channel string) Outcome {
	s := r.holder.Current()
	if _, ok := r.transports[channel]; !ok {
		return Outcome{Channel: channel, Status: StatusNoTransport,
			Err: fmt.Errorf("%w: channel %q is not configured", core.ErrConfigInvalid, channel)}
	}
	id := "test:" + ulid.Make().String()
	return r.deliver(ctx, s, buildTest(s, channel, id), false)
}

// candidates returns the enabled channels whose threshold the verdict meets,
// plus skip outcomes for the rest
func (r *Router) candidates(s *config.Settings, v *core.Verdict) ([]string, []Outcome) {
	var out []string
	var skipped []Outcome
	for _, ch := range s.EnabledChannels() {
		cfg, _ := s.Channel(ch)
		if !v.Tier.AtLeast(cfg.Threshold) {
			skipped = append(skipped, Outcome{Channel: ch, Status: StatusBelowThreshold})
			continue
		}
		out = append(out, ch)
	}
	return out, skipped
}

// check asks the dedup store whether (id, channel) may be notified
func (r *Router) check(ctx context.Context, s *config.Settings, id, ch string) Outcome {
	if _, ok := r.transports[ch]; !ok {
		return Outcome{Channel: ch, Status: StatusNoTransport}
	}
	if r.isPending(dedupKey{id, ch}) {
		return Outcome{Channel: ch, Status: StatusDuplicate}
	}

	ok, err := r.store.ShouldNotify(ctx, id, ch)
	if err != nil {
		r.persistenceError("should_notify")
		if s.Notify.ProceedOnReadError {
			r.logger.Warn("Dedup read failed, proceeding with at-least-once delivery",
				zap.String("message_id", id),
				zap.String("channel", ch),
				zap.Error(err))
			return Outcome{Channel: ch, Status: StatusPlanned}
		}
		r.logger.Error("Dedup read failed, skipping channel",
			zap.String("message_id", id),
			zap.String("channel", ch),
			zap.Error(err))
		if !errors.Is(err, core.ErrPersistence) {
			err = fmt.Errorf("%w: %v", core.ErrPersistence, err)
		}
		return Outcome{Channel: ch, Status: StatusDedupError, Err: err}
	}
	if !ok {
		return Outcome{Channel: ch, Status: StatusDuplicate}
	}
	return Outcome{Channel: ch, Status: StatusPlanned}
}

// deliver sends p with retries and, when record is set, records the
// notification after a successful send
func (r *Router) deliver(ctx context.Context, s *config.Settings, p *core.Payload, record bool) Outcome {
	t := r.transports[p.Channel]
	o := Outcome{Channel: p.Channel}

	attempts, err := s.Notify.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		res, err := t.Send(ctx, p)
		if err != nil {
			r.logger.Warn("Delivery attempt failed",
				zap.String("message_id", p.DedupID),
				zap.String("channel", p.Channel),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		o.Result = res
		return nil
	})
	o.Attempts = attempts

	if err != nil {
		if !errors.Is(err, core.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %v", core.ErrDeliveryFailed, err)
		}
		o.Status = StatusFailed
		o.Err = err
		r.logger.Error("Delivery failed",
			zap.String("message_id", p.DedupID),
			zap.String("channel", p.Channel),
			zap.String("kind", string(p.Kind)),
			zap.Int("attempt", attempts),
			zap.Error(err))
		r.emit(p.Channel, p.Kind, o)
		return o
	}

	o.Status = StatusSent
	r.logger.Info("Notification sent",
		zap.String("message_id", p.DedupID),
		zap.String("channel", p.Channel),
		zap.String("kind", string(p.Kind)),
		zap.Int("attempt", attempts))
	r.emit(p.Channel, p.Kind, o)

	if record {
		r.record(context.WithoutCancel(ctx), p.DedupID, p.Channel)
	}
	return o
}

func (r *Router) record(ctx context.Context, id, ch string) {
	if err := r.store.RecordNotified(ctx, id, ch); err != nil {
		r.persistenceError("record_notified")
		r.logger.Error("Failed to record notification, queued for retry",
			zap.String("message_id", id),
			zap.String("channel", ch),
			zap.Error(err))
		r.pendMu.Lock()
		r.pending[dedupKey{id, ch}] = r.clock.Now()
		r.pendMu.Unlock()
	}
}

// FlushPending retries records whose write failed after a successful send.
// It returns how many are still pending.
func (r *Router) FlushPending(ctx context.Context) int {
	r.pendMu.Lock()
	keys := make([]dedupKey, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	r.pendMu.Unlock()

	for _, k := range keys {
		if err := r.store.RecordNotified(ctx, k.id, k.channel); err != nil {
			r.persistenceError("record_notified")
			r.logger.Debug("Pending notification record still failing",
				zap.String("message_id", k.id),
				zap.String("channel", k.channel),
				zap.Error(err))
			continue
		}
		r.pendMu.Lock()
		delete(r.pending, k)
		r.pendMu.Unlock()
		r.logger.Info("Recorded pending notification",
			zap.String("message_id", k.id),
			zap.String("channel", k.channel))
	}

	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	return len(r.pending)
}

func (r *Router) isPending(k dedupKey) bool {
	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	_, ok := r.pending[k]
	return ok
}

// allow takes one token from the channel's hourly budget
func (r *Router) allow(s *config.Settings, ch string) bool {
	cfg, _ := s.Channel(ch)
	if cfg.MaxPerHour <= 0 {
		return true
	}

	r.limMu.Lock()
	defer r.limMu.Unlock()
	l, ok := r.limiters[ch]
	if !ok || l.perHour != cfg.MaxPerHour {
		l = &channelLimiter{
			perHour: cfg.MaxPerHour,
			limiter: rate.NewLimiter(rate.Limit(float64(cfg.MaxPerHour)/3600), cfg.MaxPerHour),
		}
		r.limiters[ch] = l
	}
	return l.limiter.AllowN(r.clock.Now(), 1)
}

func (r *Router) emit(ch string, kind core.PayloadKind, o Outcome) {
	if r.hooks.OnDelivery != nil {
		r.hooks.OnDelivery(ch, kind, o.Status, o.Attempts)
	}
}

func (r *Router) persistenceError(op string) {
	if r.hooks.OnPersistenceError != nil {
		r.hooks.OnPersistenceError(op)
	}
}

// orderOutcomes sorts outcomes by channel priority
func orderOutcomes(s *config.Settings, outcomes []Outcome) []Outcome {
	if len(outcomes) < 2 {
		return outcomes
	}
	rank := make(map[string]int, len(s.Notify.ChannelOrder))
	for i, ch := range s.Notify.ChannelOrder {
		rank[ch] = i
	}
	sorted := make([]Outcome, 0, len(outcomes))
	for _, ch := range s.Notify.ChannelOrder {
		for _, o := range outcomes {
			if o.Channel == ch {
				sorted = append(sorted, o)
			}
		}
	}
	for _, o := range outcomes {
		if _, ok := rank[o.Channel]; !ok {
			sorted = append(sorted, o)
		}
	}
	return sorted
}

// Sent counts the successful sends
func Sent(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == StatusSent {
			n++
		}
	}
	return n
}
