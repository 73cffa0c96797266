// Package store persists dedup records and poll cursors.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// Options are shared by every backend
type Options struct {
	Clock core.Clock

	// PruneInterval is how often records older than Retention are removed.
	// Zero disables the background task.
	PruneInterval time.Duration
	Retention     time.Duration
}

func (o Options) clock() core.Clock {
	if o.Clock == nil {
		return core.SystemClock{}
	}
	return o.Clock
}

// pruner runs Prune on a ticker until stopped
type pruner struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

func startPruner(s core.DedupStore, opts Options, logger *zap.Logger) *pruner {
	p := &pruner{stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	if opts.PruneInterval <= 0 || opts.Retention <= 0 {
		close(p.doneCh)
		return p
	}

	clock := opts.clock()
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(opts.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				before := clock.Now().Add(-opts.Retention)
				n, err := s.Prune(context.Background(), before)
				if err != nil {
					logger.Error("Failed to prune dedup records", zap.Error(err))
					continue
				}
				logger.Debug("Pruned dedup records",
					zap.Int64("pruned_count", n),
					zap.Time("before", before))
			case <-p.stopCh:
				return
			}
		}
	}()
	return p
}

func (p *pruner) stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrPersistence, op, err)
}
