// Package gmail reads new messages from a Gmail mailbox.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

const fetchParallel = 4

// Fetcher implements core.Fetcher on the Gmail API
type Fetcher struct {
	svc    *gm.Service
	cfg    config.GmailConfig
	tp     *utils.TextProcessor
	logger *zap.Logger
}

// NewFetcher creates a fetcher on an authenticated service
func NewFetcher(svc *gm.Service, cfg config.GmailConfig, tp *utils.TextProcessor, logger *zap.Logger) *Fetcher {
	if cfg.UserID == "" {
		cfg.UserID = "me"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	return &Fetcher{svc: svc, cfg: cfg, tp: tp, logger: logger}
}

// FetchSince returns messages received at or after the cursor that come
// after it in (ReceivedAt, ID) order, oldest first, and the cursor of the
// last one
func (f *Fetcher) FetchSince(ctx context.Context, cursor core.Cursor) ([]*core.Message, core.Cursor, error) {
	query := strings.TrimSpace(f.cfg.Query)
	if !cursor.After.IsZero() {
		// after: has second resolution; older messages in the same second are
		// filtered below.
		query = strings.TrimSpace(fmt.Sprintf("%s after:%d", query, cursor.After.Unix()))
	}

	ids, err := f.list(ctx, query, 0)
	if err != nil {
		return nil, cursor, err
	}

	msgs, err := f.getAll(ctx, ids)
	if err != nil {
		return nil, cursor, err
	}

	out := msgs[:0]
	for _, m := range msgs {
		if cursor.IsZero() || after(m, cursor) {
			out = append(out, m)
		}
	}

	next := cursor
	if len(out) > 0 {
		last := out[len(out)-1]
		next = core.Cursor{After: last.ReceivedAt, LastID: last.ID}
	}

	f.logger.Debug("Fetched messages",
		zap.String("query", query),
		zap.Int("listed", len(ids)),
		zap.Int("new", len(out)))

	return out, next, nil
}

// FetchRecent returns the n most recent messages matching the query, oldest first
func (f *Fetcher) FetchRecent(ctx context.Context, n int) ([]*core.Message, error) {
	ids, err := f.list(ctx, f.cfg.Query, n)
	if err != nil {
		return nil, err
	}
	return f.getAll(ctx, ids)
}

// after reports whether m sorts strictly after the cursor
func after(m *core.Message, c core.Cursor) bool {
	if m.ReceivedAt.After(c.After) {
		return true
	}
	return m.ReceivedAt.Equal(c.After) && m.ID > c.LastID
}

// list pages through matching message IDs. limit <= 0 lists every match:
// the API returns newest first, so stopping early would drop the oldest
// messages of a backlog and the cursor would move past them.
func (f *Fetcher) list(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	pageToken := ""
	for pages := 1; ; pages++ {
		pageSize := f.cfg.MaxResults
		if limit > 0 && int64(limit-len(ids)) < pageSize {
			pageSize = int64(limit - len(ids))
		}

		call := f.svc.Users.Messages.List(f.cfg.UserID).Q(query).MaxResults(pageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classifyError("list messages", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" || (limit > 0 && len(ids) >= limit) {
			if pages > 1 {
				f.logger.Debug("Listed messages across pages",
					zap.String("query", query),
					zap.Int("pages", pages),
					zap.Int("ids", len(ids)))
			}
			return ids, nil
		}
	}
}

// getAll fetches full messages concurrently and sorts them oldest first.
// Any failure fails the batch so no message is skipped past the cursor.
func (f *Fetcher) getAll(ctx context.Context, ids []string) ([]*core.Message, error) {
	var (
		mu   sync.Mutex
		msgs = make([]*core.Message, 0, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for _, id := range ids {
		g.Go(func() error {
			raw, err := f.svc.Users.Messages.Get(f.cfg.UserID, id).Format("full").Context(gctx).Do()
			if err != nil {
				return classifyError("get message "+id, err)
			}
			msg := f.convert(raw)
			mu.Lock()
			msgs = append(msgs, msg)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
	})
	return msgs, nil
}

func (f *Fetcher) convert(raw *gm.Message) *core.Message {
	var headers map[string]string
	if raw.Payload != nil {
		headers = headerMap(raw.Payload.Headers)
	}

	body := extractBody(raw.Payload, f.tp)
	if body == "" {
		body = raw.Snippet
	}

	subject := headers["Subject"]
	if subject == "" {
		subject = "(no subject)"
	}

	return &core.Message{
		ID:         raw.Id,
		ThreadID:   raw.ThreadId,
		From:       headers["From"],
		To:         splitAddresses(headers["To"]),
		Subject:    subject,
		Body:       body,
		Snippet:    raw.Snippet,
		ReceivedAt: time.UnixMilli(raw.InternalDate),
		Headers:    headers,
	}
}

func splitAddresses(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(s); err == nil {
		out := make([]string, len(list))
		for i, a := range list {
			out[i] = a.Address
		}
		return out
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// classifyError maps API failures onto the fetch error taxonomy
func classifyError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s: %v", core.ErrAuthExpired, op, err)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %s: %v", core.ErrAuthExpired, op, err)
	}
	return fmt.Errorf("%w: %s: %v", core.ErrFetchUnavailable, op, err)
}
