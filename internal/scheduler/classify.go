package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/rules"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// classified is the classifier result for one message. verdict is nil only
// when classification panicked.
type classified struct {
	msg     *core.Message
	verdict *core.Verdict
	err     error
}

// sortMessages orders messages oldest first, by ID within the same instant
func sortMessages(msgs []*core.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// classifyAll classifies msgs with at most limit concurrent calls. The
// result keeps the order of msgs. A failure never cancels the others.
func classifyAll(ctx context.Context, c *core.Classifier, matcher *rules.Matcher,
	msgs []*core.Message, limit int, logger *zap.Logger) []classified {
	out := make([]classified, len(msgs))
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, msg := range msgs {
		out[i].msg = msg
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					out[i].verdict = nil
					out[i].err = fmt.Errorf("classification panicked: %v", r)
					logger.Error("Classification panicked",
						zap.String("message_id", msg.ID),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
				}
			}()
			out[i].verdict, out[i].err = c.Classify(ctx, msg, matcher)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
