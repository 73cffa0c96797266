package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mikey/mail-triage/internal/adapters/gmail"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap"
)

// MailboxFactory creates the mailbox fetcher
type MailboxFactory struct {
	holder        *config.Holder
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewMailboxFactory creates a new mailbox factory
func NewMailboxFactory(holder *config.Holder, logger *zap.Logger, textProcessor *utils.TextProcessor) *MailboxFactory {
	return &MailboxFactory{
		holder:        holder,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateFetcher authenticates against Gmail and returns a fetcher. An
// expired or missing token surfaces as ErrAuthExpired.
func (f *MailboxFactory) CreateFetcher(ctx context.Context) (core.Fetcher, error) {
	cfg := f.holder.Current().Gmail
	svc, err := gmail.NewService(ctx, cfg, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox service: %w", err)
	}
	return gmail.NewFetcher(svc, cfg, f.textProcessor, f.logger), nil
}

// LazyFetcher returns a fetcher that authenticates on first use. A failed
// attempt is retried on the next call.
func (f *MailboxFactory) LazyFetcher() core.Fetcher {
	return &lazyFetcher{create: f.CreateFetcher}
}

type lazyFetcher struct {
	mu      sync.Mutex
	create  func(ctx context.Context) (core.Fetcher, error)
	fetcher core.Fetcher
}

func (l *lazyFetcher) get(ctx context.Context) (core.Fetcher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fetcher != nil {
		return l.fetcher, nil
	}
	f, err := l.create(ctx)
	if err != nil {
		return nil, err
	}
	l.fetcher = f
	return f, nil
}

func (l *lazyFetcher) FetchSince(ctx context.Context, c core.Cursor) ([]*core.Message, core.Cursor, error) {
	f, err := l.get(ctx)
	if err != nil {
		return nil, c, err
	}
	return f.FetchSince(ctx, c)
}

func (l *lazyFetcher) FetchRecent(ctx context.Context, n int) ([]*core.Message, error) {
	f, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return f.FetchRecent(ctx, n)
}
