package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikey/mail-triage/internal/rules"
	"go.uber.org/zap"
)

// ClassifierHooks receives classification events, typically for metrics
type ClassifierHooks struct {
	OnJudgment func(duration time.Duration, attempts int, err error)
	OnVerdict  func(tier Tier, degraded bool)
}

// Classifier combines rule signals with the model judgment into one verdict
type Classifier struct {
	judge  JudgmentClient
	retry  RetryPolicy
	logger *zap.Logger
	clock  Clock
	hooks  ClassifierHooks
}

// NewClassifier creates a new classifier. judge may be nil, in which case
// verdicts are derived from rules alone.
func NewClassifier(judge JudgmentClient, retry RetryPolicy, logger *zap.Logger, clock Clock) *Classifier {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Classifier{
		judge:  judge,
		retry:  retry,
		logger: logger,
		clock:  clock,
	}
}

// SetHooks installs event hooks
func (c *Classifier) SetHooks(h ClassifierHooks) {
	c.hooks = h
}

// Classify returns the verdict for a message. When the judgment can't be
// obtained the rule-only verdict is still returned, together with an error
// wrapping ErrJudgmentUnavailable.
func (c *Classifier) Classify(ctx context.Context, msg *Message, matcher *rules.Matcher) (*Verdict, error) {
	ruleTier := TierNormal
	var ruleLabels []string

	if matcher.IsVIP(msg.From) {
		ruleTier = TierHigh
		ruleLabels = append(ruleLabels, LabelVIP)
	}
	for _, kw := range matcher.MatchKeywords(msg.Subject, msg.Body) {
		ruleTier = TierHigh
		ruleLabels = append(ruleLabels, KeywordLabelPrefix+kw)
	}

	verdict := &Verdict{
		MessageID:    msg.ID,
		Tier:         ruleTier,
		Labels:       LabelSet(ruleLabels),
		Source:       "rules",
		ClassifiedAt: c.clock.Now(),
	}
	if len(ruleLabels) > 0 {
		verdict.Rationale = "matched rules"
	}

	if c.judge == nil {
		c.emitVerdict(verdict)
		return verdict, nil
	}

	judgment, err := c.runJudgment(ctx, msg)
	if err != nil {
		verdict.Degraded = true
		c.logger.Warn("Judgment unavailable, using rule signals only",
			zap.String("message_id", msg.ID),
			zap.String("sender", msg.SenderAddress()),
			zap.String("tier", verdict.Tier.String()),
			zap.Error(err))
		c.emitVerdict(verdict)
		return verdict, err
	}

	verdict.Tier = MaxTier(ruleTier, judgment.Tier)
	var modelLabels []string
	if judgment.Category != "" {
		modelLabels = append(modelLabels, CategoryLabelPrefix+judgment.Category)
	}
	modelLabels = append(modelLabels, judgment.Labels...)
	verdict.Labels = LabelSet(ruleLabels, modelLabels)
	verdict.Rationale = judgment.Rationale
	verdict.Summary = judgment.Summary
	verdict.Category = judgment.Category
	verdict.Confidence = judgment.Confidence
	verdict.Source = "rules+" + judgment.ModelUsed

	if judgment.Tier < ruleTier {
		c.logger.Debug("Judgment below rule floor, keeping rule tier",
			zap.String("message_id", msg.ID),
			zap.String("judgment_tier", judgment.Tier.String()),
			zap.String("rule_tier", ruleTier.String()))
	}

	c.emitVerdict(verdict)
	return verdict, nil
}

func (c *Classifier) runJudgment(ctx context.Context, msg *Message) (*Judgment, error) {
	start := time.Now()
	var judgment *Judgment
	attempts, err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		j, err := c.judge.Judge(ctx, msg)
		if err != nil {
			c.logger.Debug("Judgment attempt failed",
				zap.String("message_id", msg.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		judgment = j
		return nil
	})
	if c.hooks.OnJudgment != nil {
		c.hooks.OnJudgment(time.Since(start), attempts, err)
	}
	if err != nil {
		if errors.Is(err, ErrJudgmentUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrJudgmentUnavailable, attempts, err)
	}
	if judgment == nil {
		return nil, fmt.Errorf("%w: empty judgment", ErrJudgmentUnavailable)
	}
	return judgment, nil
}

func (c *Classifier) emitVerdict(v *Verdict) {
	if c.hooks.OnVerdict != nil {
		c.hooks.OnVerdict(v.Tier, v.Degraded)
	}
}
