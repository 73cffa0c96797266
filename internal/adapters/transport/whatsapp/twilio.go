// Package whatsapp sends notifications through the Twilio WhatsApp API.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Channel is the channel name of this transport
const Channel = "whatsapp"

const defaultAPIBase = "https://api.twilio.com"

// Transport creates messages on the Twilio Messages resource
type Transport struct {
	cfg    config.WhatsAppConfig
	rest   *twilio.RestClient
	logger *zap.Logger
}

// NewTransport creates a WhatsApp transport. A nil client uses a default
// client with a 15 second timeout. A non-default APIBase redirects every
// request to that host.
func NewTransport(cfg config.WhatsAppConfig, httpClient *http.Client, logger *zap.Logger) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if base := strings.TrimRight(cfg.APIBase, "/"); base != "" && base != defaultAPIBase {
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			hc := *httpClient
			hc.Transport = &rewriteHost{base: u, next: httpClient.Transport}
			httpClient = &hc
		} else {
			logger.Warn("Ignoring invalid Twilio API base", zap.String("api_base", cfg.APIBase))
		}
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   cfg.AccountSID,
		Password:   cfg.AuthToken,
		AccountSid: cfg.AccountSID,
	})
	if c, ok := rest.RequestHandler.Client.(*client.Client); ok {
		c.HTTPClient = httpClient
	}
	return &Transport{cfg: cfg, rest: rest, logger: logger}
}

// Channel returns "whatsapp"
func (t *Transport) Channel() string {
	return Channel
}

// Send creates a message with p.Text as its body. The Twilio client has no
// context support, so ctx is only checked before the request; the HTTP
// client timeout bounds the call.
func (t *Transport) Send(ctx context.Context, p *core.Payload) (*core.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeliveryFailed, err)
	}

	to := t.cfg.ToNumber
	if p.Recipient != "" {
		to = p.Recipient
	}

	params := &api.CreateMessageParams{}
	params.SetPathAccountSid(t.cfg.AccountSID)
	params.SetFrom(whatsappAddress(t.cfg.FromNumber))
	params.SetTo(whatsappAddress(to))
	params.SetBody(p.Text)

	msg, err := t.rest.Api.CreateMessage(params)
	if err != nil {
		return nil, classifyError(err)
	}

	sid, status := deref(msg.Sid), deref(msg.Status)
	t.logger.Debug("WhatsApp message queued",
		zap.String("sid", sid),
		zap.String("status", status),
		zap.String("dedup_id", p.DedupID))

	code := status
	if msg.ErrorCode != nil {
		code = strconv.Itoa(*msg.ErrorCode)
	}
	return &core.DeliveryResult{
		ProviderMessageID: sid,
		ProviderCode:      code,
		SentAt:            time.Now(),
	}, nil
}

// classifyError maps Twilio failures onto the delivery taxonomy. Client
// errors other than 408 and 429 are permanent.
func classifyError(err error) error {
	var restErr *client.TwilioRestError
	if !errors.As(err, &restErr) {
		return fmt.Errorf("%w: twilio request: %v", core.ErrDeliveryFailed, err)
	}
	wrapped := fmt.Errorf("%w: twilio status %d code %d: %s",
		core.ErrDeliveryFailed, restErr.Status, restErr.Code, restErr.Message)
	if isPermanentStatus(restErr.Status) {
		return core.Permanent(wrapped)
	}
	return wrapped
}

func isPermanentStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}

func whatsappAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// rewriteHost sends requests to base instead of the Twilio host
type rewriteHost struct {
	base *url.URL
	next http.RoundTripper
}

func (r *rewriteHost) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = r.base.Scheme
	out.URL.Host = r.base.Host
	out.Host = r.base.Host
	next := r.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(out)
}
