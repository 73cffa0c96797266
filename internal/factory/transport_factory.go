package factory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mikey/mail-triage/internal/adapters/transport/email"
	"github.com/mikey/mail-triage/internal/adapters/transport/push"
	"github.com/mikey/mail-triage/internal/adapters/transport/telegram"
	"github.com/mikey/mail-triage/internal/adapters/transport/whatsapp"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// TransportFactory creates one transport per enabled channel
type TransportFactory struct {
	holder *config.Holder
	logger *zap.Logger
	client *http.Client
}

// NewTransportFactory creates a new transport factory. The HTTP transports
// share one client.
func NewTransportFactory(holder *config.Holder, logger *zap.Logger) *TransportFactory {
	return &TransportFactory{
		holder: holder,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateTransports returns the transports of the enabled channels in
// channel-order priority. Channels enabled after a reload need a restart.
func (f *TransportFactory) CreateTransports(ctx context.Context) ([]core.Transport, error) {
	s := f.holder.Current()

	var out []core.Transport
	for _, name := range s.EnabledChannels() {
		switch name {
		case email.Channel:
			out = append(out, email.NewTransport(s.Channels.Email, f.logger))
		case whatsapp.Channel:
			out = append(out, whatsapp.NewTransport(s.Channels.WhatsApp, f.client, f.logger))
		case push.Channel:
			t, err := push.NewTransport(ctx, s.Channels.Push, f.client, f.logger)
			if err != nil {
				return nil, fmt.Errorf("push transport: %w", err)
			}
			out = append(out, t)
		case telegram.Channel:
			out = append(out, telegram.NewTransport(s.Channels.Telegram, f.client, nil, f.logger))
		}
	}

	f.logger.Info("Notification transports ready", zap.Strings("channels", s.EnabledChannels()))
	return out, nil
}
