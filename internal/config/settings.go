package config

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/rules"
	"go.uber.org/zap"
)

// Settings is an immutable snapshot of the configuration. It is built once
// and replaced as a whole on reload; nothing mutates it after Settings returns.
type Settings struct {
	UserEmail      string
	VIPContacts    []string
	CustomKeywords []string

	LLM       LLMConfig
	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	Bedrock   BedrockConfig
	Anthropic AnthropicConfig
	Gmail     GmailConfig

	Monitor  MonitorConfig
	Notify   NotifyConfig
	Channels ChannelsConfig
	Digest   DigestConfig
	Store    StoreConfig
	HTTP     HTTPConfig

	matcher *rules.Matcher
}

// Rules returns the rule matcher compiled for this snapshot
func (s *Settings) Rules() *rules.Matcher {
	return s.matcher
}

// Channel returns the shared settings of a channel by name
func (s *Settings) Channel(name string) (ChannelConfig, bool) {
	switch name {
	case "email":
		return s.Channels.Email.ChannelConfig, true
	case "whatsapp":
		return s.Channels.WhatsApp.ChannelConfig, true
	case "push":
		return s.Channels.Push.ChannelConfig, true
	case "telegram":
		return s.Channels.Telegram.ChannelConfig, true
	default:
		return ChannelConfig{}, false
	}
}

// EnabledChannels returns enabled channel names in priority order
func (s *Settings) EnabledChannels() []string {
	var out []string
	for _, name := range s.Notify.ChannelOrder {
		if ch, ok := s.Channel(name); ok && ch.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// RetentionHorizon is how long dedup records are kept: the longest enabled
// digest window plus the configured safety margin
func (s *Settings) RetentionHorizon() time.Duration {
	window := 24 * time.Hour
	if s.Digest.Weekly.Enabled {
		window = 7 * 24 * time.Hour
	}
	return window + s.Store.RetentionMargin
}

// Settings builds and validates a snapshot of the current configuration
func (c *Config) Settings(logger *zap.Logger) (*Settings, error) {
	var p problems

	s := &Settings{
		UserEmail:      strings.TrimSpace(c.GetString("user_email")),
		VIPContacts:    c.GetStringSlice("vip_contacts"),
		CustomKeywords: c.GetStringSlice("custom_keywords"),
		LLM: LLMConfig{
			Provider: strings.ToLower(c.GetString("llm.provider")),
			Retry:    c.retryPolicy("llm.retry", &p),
		},
		OpenAI:    c.GetOpenAI(),
		Gemini:    c.GetGemini(),
		Bedrock:   c.GetBedrock(),
		Anthropic: c.GetAnthropic(),
		Gmail:     c.GetGmail(),
		Monitor:   c.getMonitor(&p),
		Notify:    c.getNotify(&p),
		Channels:  c.getChannels(&p),
		Digest:    c.getDigest(&p),
		Store:     c.getStore(&p),
		HTTP: HTTPConfig{
			Enabled:       c.GetBool("http.enabled"),
			ListenAddress: c.GetString("http.listen_address"),
		},
	}

	if s.Channels.Email.To == "" {
		s.Channels.Email.To = s.UserEmail
	}
	if s.Channels.Email.From == "" {
		s.Channels.Email.From = s.Channels.Email.Username
	}
	if s.Channels.Email.From == "" {
		s.Channels.Email.From = s.UserEmail
	}

	s.validate(&p)
	if len(p) > 0 {
		errs := make([]error, 0, len(p)+1)
		errs = append(errs, core.ErrConfigInvalid)
		for _, msg := range p {
			errs = append(errs, errors.New(msg))
		}
		return nil, errors.Join(errs...)
	}

	s.matcher = rules.NewMatcher(s.VIPContacts, s.CustomKeywords, logger)
	return s, nil
}

func (s *Settings) validate(p *problems) {
	if s.UserEmail == "" {
		p.addf("user_email is required")
	} else if _, err := mail.ParseAddress(s.UserEmail); err != nil {
		p.addf("user_email %q is not a valid address", s.UserEmail)
	}

	switch s.LLM.Provider {
	case "none":
	case "openai":
		if s.OpenAI.APIKey == "" {
			p.addf("openai.api_key is required for llm.provider openai")
		}
	case "gemini":
		if s.Gemini.APIKey == "" {
			p.addf("gemini.api_key is required for llm.provider gemini")
		}
	case "anthropic":
		if s.Anthropic.APIKey == "" {
			p.addf("anthropic.api_key is required for llm.provider anthropic")
		}
	case "bedrock":
		if s.Bedrock.Region == "" || s.Bedrock.ModelID == "" {
			p.addf("bedrock.region and bedrock.model_id are required for llm.provider bedrock")
		}
	default:
		p.addf("unsupported llm.provider %q", s.LLM.Provider)
	}

	seen := make(map[string]bool)
	for _, name := range s.Notify.ChannelOrder {
		if _, ok := s.Channel(name); !ok {
			p.addf("notify.channel_order: unknown channel %q", name)
		}
		if seen[name] {
			p.addf("notify.channel_order: duplicate channel %q", name)
		}
		seen[name] = true
	}
	for _, name := range []string{"email", "whatsapp", "push", "telegram"} {
		if ch, _ := s.Channel(name); ch.Enabled && !seen[name] {
			p.addf("channel %s is enabled but missing from notify.channel_order", name)
		}
	}

	if email := s.Channels.Email; email.Enabled {
		if email.SMTPHost == "" || email.SMTPPort <= 0 {
			p.addf("channels.email.smtp_host and smtp_port are required when email is enabled")
		}
		if email.Username == "" || email.Password == "" {
			p.addf("channels.email.username and password are required when email is enabled")
		}
		switch email.TLSMode {
		case "starttls", "tls", "none":
		default:
			p.addf("channels.email.tls_mode must be starttls, tls or none")
		}
	}
	if wa := s.Channels.WhatsApp; wa.Enabled {
		if wa.AccountSID == "" || wa.AuthToken == "" {
			p.addf("channels.whatsapp.account_sid and auth_token are required when whatsapp is enabled")
		}
		if wa.FromNumber == "" || wa.ToNumber == "" {
			p.addf("channels.whatsapp.from_number and to_number are required when whatsapp is enabled")
		}
	}
	if push := s.Channels.Push; push.Enabled {
		if push.ProjectID == "" || push.CredentialsFile == "" {
			p.addf("channels.push.project_id and credentials_file are required when push is enabled")
		}
		if len(push.DeviceTokens) == 0 {
			p.addf("channels.push.device_tokens must list at least one device when push is enabled")
		}
	}
	if tg := s.Channels.Telegram; tg.Enabled {
		if tg.BotToken == "" || tg.ChatID == 0 {
			p.addf("channels.telegram.bot_token and chat_id are required when telegram is enabled")
		}
	}

	if s.Monitor.PollInterval <= 0 {
		p.addf("monitor.poll_interval must be positive")
	}
	if s.Monitor.Concurrency <= 0 {
		p.addf("monitor.concurrency must be positive")
	}

	switch s.Store.Type {
	case "memory", "sqlite", "mysql", "postgres":
	default:
		p.addf("unsupported store.type %q", s.Store.Type)
	}
}
