// Package push sends mobile push notifications through the FCM HTTP v1 API.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Channel is the channel name of this transport
const Channel = "push"

// Transport sends one FCM message per configured device
type Transport struct {
	cfg    config.PushConfig
	svc    *fcm.Service
	logger *zap.Logger
}

// NewTransport loads the service account credentials and creates a push
// transport. base carries the requests; nil uses a client with a 15 second
// timeout.
func NewTransport(ctx context.Context, cfg config.PushConfig, base *http.Client, logger *zap.Logger) (*Transport, error) {
	if base == nil {
		base = &http.Client{Timeout: 15 * time.Second}
	}

	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read push credentials: %v", core.ErrConfigInvalid, err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, fcm.FirebaseMessagingScope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse push credentials: %v", core.ErrConfigInvalid, err)
	}

	// The token source outlives ctx; only the HTTP client is taken from it.
	clientCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(clientCtx, creds.TokenSource))}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create fcm service: %w", err)
	}
	return New(cfg, svc, logger), nil
}

// New creates a push transport on an existing FCM service
func New(cfg config.PushConfig, svc *fcm.Service, logger *zap.Logger) *Transport {
	return &Transport{cfg: cfg, svc: svc, logger: logger}
}

// Channel returns "push"
func (t *Transport) Channel() string {
	return Channel
}

// Send delivers the payload to every device. It succeeds when at least one
// device accepted it, and is retryable when any failure was transient.
func (t *Transport) Send(ctx context.Context, p *core.Payload) (*core.DeliveryResult, error) {
	tokens := t.cfg.DeviceTokens
	if p.Recipient != "" {
		tokens = []string{p.Recipient}
	}
	if len(tokens) == 0 {
		return nil, core.Permanent(fmt.Errorf("%w: no push device tokens", core.ErrDeliveryFailed))
	}

	priority := "NORMAL"
	if p.Tier.AtLeast(core.TierHigh) {
		priority = "HIGH"
	}
	parent := "projects/" + t.cfg.ProjectID

	var (
		firstID   string
		accepted  int
		retryable bool
		failures  []string
	)
	for _, token := range tokens {
		req := &fcm.SendMessageRequest{Message: &fcm.Message{
			Token:        token,
			Notification: &fcm.Notification{Title: p.Title, Body: p.Text},
			Android:      &fcm.AndroidConfig{Priority: priority},
			Data: map[string]string{
				"kind":     string(p.Kind),
				"dedup_id": p.DedupID,
				"tier":     p.Tier.String(),
			},
		}}
		msg, err := t.svc.Projects.Messages.Send(parent, req).Context(ctx).Do()
		if err != nil {
			transient := isTransient(err)
			retryable = retryable || transient
			failures = append(failures, err.Error())
			t.logger.Warn("Push device rejected notification",
				zap.String("device", shortToken(token)),
				zap.Bool("transient", transient),
				zap.Error(err))
			continue
		}
		accepted++
		if firstID == "" {
			firstID = msg.Name
		}
	}

	if accepted == 0 {
		err := fmt.Errorf("%w: fcm rejected all devices: %s",
			core.ErrDeliveryFailed, strings.Join(failures, "; "))
		if !retryable {
			return nil, core.Permanent(err)
		}
		return nil, err
	}

	return &core.DeliveryResult{
		ProviderMessageID: firstID,
		ProviderCode:      fmt.Sprintf("%d/%d", accepted, len(tokens)),
		SentAt:            time.Now(),
	}, nil
}

// isTransient reports FCM failures worth retrying: quota, server errors
// and network failures. Unregistered tokens, bad requests and auth
// failures are not.
func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
