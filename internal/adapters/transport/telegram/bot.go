// Package telegram sends notifications to a Telegram chat through a bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// Channel is the channel name of this transport
const Channel = "telegram"

// Bot is the part of the bot API the transport uses
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// BotFactory creates bots; tests replace it
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *botWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// DefaultBotFactory creates a real bot. It calls getMe, so it needs network access.
func DefaultBotFactory(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botWrapper{bot: bot}, nil
}

// Transport sends plain-text messages to the configured chat
type Transport struct {
	cfg     config.TelegramConfig
	client  *http.Client
	factory BotFactory
	logger  *zap.Logger

	mu  sync.Mutex
	bot Bot
}

// NewTransport creates a Telegram transport. The bot is created on first use.
func NewTransport(cfg config.TelegramConfig, client *http.Client, factory BotFactory, logger *zap.Logger) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if factory == nil {
		factory = DefaultBotFactory
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	return &Transport{cfg: cfg, client: client, factory: factory, logger: logger}
}

// Channel returns "telegram"
func (t *Transport) Channel() string {
	return Channel
}

func (t *Transport) getBot() (Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := t.factory(t.cfg.BotToken, t.cfg.APIEndpoint, t.client)
	if err != nil {
		return nil, classifyError(fmt.Errorf("create telegram bot: %w", err))
	}
	t.logger.Info("Telegram bot authorized", zap.String("username", bot.GetSelf().UserName))
	t.bot = bot
	return bot, nil
}

// Send posts p.Text to the chat. The bot API has no context support, so a
// cancelled ctx abandons the in-flight request instead of aborting it.
func (t *Transport) Send(ctx context.Context, p *core.Payload) (*core.DeliveryResult, error) {
	chatID := t.cfg.ChatID
	if p.Recipient != "" {
		id, err := strconv.ParseInt(p.Recipient, 10, 64)
		if err != nil {
			return nil, core.Permanent(fmt.Errorf("%w: bad telegram chat id %q", core.ErrDeliveryFailed, p.Recipient))
		}
		chatID = id
	}

	bot, err := t.getBot()
	if err != nil {
		return nil, err
	}

	msg := tgbotapi.NewMessage(chatID, p.Text)
	msg.DisableWebPagePreview = true

	type result struct {
		sent tgbotapi.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sent, err := bot.Send(msg)
		done <- result{sent, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: telegram send: %v", core.ErrDeliveryFailed, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classifyError(r.err)
		}
		t.logger.Debug("Telegram message sent",
			zap.Int("message_id", r.sent.MessageID),
			zap.String("dedup_id", p.DedupID))
		return &core.DeliveryResult{
			ProviderMessageID: strconv.Itoa(r.sent.MessageID),
			ProviderCode:      "ok",
			SentAt:            time.Now(),
		}, nil
	}
}

// classifyError makes 4xx API errors permanent, except 429
func classifyError(err error) error {
	wrapped := fmt.Errorf("%w: %v", core.ErrDeliveryFailed, err)
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return core.Permanent(wrapped)
	}
	return wrapped
}
