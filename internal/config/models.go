package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikey/mail-triage/internal/core"
)

// LLMConfig represents the configuration for the LLM provider
type LLMConfig struct {
	Provider string
	Retry    core.RetryPolicy
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
	BaseURL     string
}

// AnthropicConfig represents the configuration for the Anthropic API
type AnthropicConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float64
	MaxBodySize int
	BaseURL     string
}

// GmailConfig represents the mailbox connection
type GmailConfig struct {
	CredentialsPath string
	TokenPath       string
	UserID          string
	Query           string
	MaxResults      int64
}

// MonitorConfig controls the polling loop
type MonitorConfig struct {
	PollInterval    time.Duration
	Concurrency     int
	InitialLookback time.Duration
	CursorName      string
	ProcessTimeout  time.Duration
	FetchRetry      core.RetryPolicy
}

// ChannelConfig holds the settings shared by every notification channel
type ChannelConfig struct {
	Name       string
	Enabled    bool
	Threshold  core.Tier
	Digest     bool
	MaxLength  int
	MaxPerHour int
}

// EmailConfig configures the SMTP channel
type EmailConfig struct {
	ChannelConfig
	SMTPHost string
	SMTPPort int
	TLSMode  string
	Username string
	Password string
	From     string
	To       string
}

// WhatsAppConfig configures the Twilio WhatsApp channel
type WhatsAppConfig struct {
	ChannelConfig
	APIBase    string
	AccountSID string
	AuthToken  string
	FromNumber string
	ToNumber   string
}

// PushConfig configures the FCM push channel
type PushConfig struct {
	ChannelConfig
	ProjectID string
	// CredentialsFile is a service account key with the Firebase
	// messaging scope
	CredentialsFile string
	// Endpoint overrides the FCM API base URL
	Endpoint     string
	DeviceTokens []string
}

// TelegramConfig configures the Telegram channel
type TelegramConfig struct {
	ChannelConfig
	BotToken    string
	ChatID      int64
	APIEndpoint string
}

// ChannelsConfig groups every channel
type ChannelsConfig struct {
	Email    EmailConfig
	WhatsApp WhatsAppConfig
	Push     PushConfig
	Telegram TelegramConfig
}

// ScheduleConfig is one digest schedule
type ScheduleConfig struct {
	Enabled   bool
	Hour      int
	Minute    int
	Weekday   time.Weekday
	Threshold core.Tier
}

// DigestConfig controls digest aggregation and scheduling
type DigestConfig struct {
	Location      *time.Location
	Daily         ScheduleConfig
	Weekly        ScheduleConfig
	TopSenders    int
	CatchUp       bool
	Backfill      bool
	BackfillLimit int
}

// StoreConfig selects the dedup and cursor backend
type StoreConfig struct {
	Type            string
	SQLitePath      string
	MySQLDSN        string
	PostgresDSN     string
	PruneInterval   time.Duration
	RetentionMargin time.Duration
}

// NotifyConfig controls the router
type NotifyConfig struct {
	ChannelOrder       []string
	Retry              core.RetryPolicy
	ProceedOnReadError bool
}

// HTTPConfig controls the ops endpoint
type HTTPConfig struct {
	Enabled       bool
	ListenAddress string
}

// problems collects parse errors while reading typed sections
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize: c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize: c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
		MaxBodySize: c.GetInt("openai.max_body_size"),
		BaseURL:     c.GetString("openai.base_url"),
	}
}

// GetAnthropic returns the Anthropic configuration
func (c *Config) GetAnthropic() AnthropicConfig {
	return AnthropicConfig{
		APIKey:      c.GetString("anthropic.api_key"),
		ModelName:   c.GetString("anthropic.model_name"),
		MaxTokens:   c.GetInt("anthropic.max_tokens"),
		Temperature: c.GetFloat64("anthropic.temperature"),
		MaxBodySize: c.GetInt("anthropic.max_body_size"),
		BaseURL:     c.GetString("anthropic.base_url"),
	}
}

// GetGmail returns the mailbox configuration
func (c *Config) GetGmail() GmailConfig {
	return GmailConfig{
		CredentialsPath: c.GetString("gmail.credentials_path"),
		TokenPath:       c.GetString("gmail.token_path"),
		UserID:          c.GetString("gmail.user_id"),
		Query:           c.GetString("gmail.query"),
		MaxResults:      c.GetInt64("gmail.max_results"),
	}
}

func (c *Config) getMonitor(p *problems) MonitorConfig {
	return MonitorConfig{
		PollInterval:    c.duration("monitor.poll_interval", p),
		Concurrency:     c.GetInt("monitor.concurrency"),
		InitialLookback: c.duration("monitor.initial_lookback", p),
		CursorName:      c.GetString("monitor.cursor_name"),
		ProcessTimeout:  c.duration("monitor.process_timeout", p),
		FetchRetry:      c.retryPolicy("monitor.fetch_retry", p),
	}
}

func (c *Config) getNotify(p *problems) NotifyConfig {
	order := make([]string, 0)
	for _, name := range c.GetStringSlice("notify.channel_order") {
		order = append(order, strings.ToLower(strings.TrimSpace(name)))
	}
	return NotifyConfig{
		ChannelOrder:       order,
		Retry:              c.retryPolicy("notify.retry", p),
		ProceedOnReadError: c.GetBool("dedup.proceed_on_read_error"),
	}
}

func (c *Config) getChannels(p *problems) ChannelsConfig {
	return ChannelsConfig{
		Email: EmailConfig{
			ChannelConfig: c.channel("email", "email_enabled", p),
			SMTPHost:      c.GetString("channels.email.smtp_host"),
			SMTPPort:      c.GetInt("channels.email.smtp_port"),
			TLSMode:       strings.ToLower(c.GetString("channels.email.tls_mode")),
			Username:      c.GetString("channels.email.username"),
			Password:      c.GetString("channels.email.password"),
			From:          c.GetString("channels.email.from"),
			To:            c.GetString("channels.email.to"),
		},
		WhatsApp: WhatsAppConfig{
			ChannelConfig: c.channel("whatsapp", "whatsapp_enabled", p),
			APIBase:       strings.TrimRight(c.GetString("channels.whatsapp.api_base"), "/"),
			AccountSID:    c.GetString("channels.whatsapp.account_sid"),
			AuthToken:     c.GetString("channels.whatsapp.auth_token"),
			FromNumber:    c.legacyString("channels.whatsapp.from_number", "twilio_whatsapp_number"),
			ToNumber:      c.legacyString("channels.whatsapp.to_number", "user_whatsapp_number"),
		},
		Push: PushConfig{
			ChannelConfig: c.channel("push", "push_enabled", p),
			ProjectID:       c.GetString("channels.push.project_id"),
			CredentialsFile: c.GetString("channels.push.credentials_file"),
			Endpoint:        c.GetString("channels.push.endpoint"),
			DeviceTokens:    c.legacyStrings("channels.push.device_tokens", "device_tokens"),
		},
		Telegram: TelegramConfig{
			ChannelConfig: c.channel("telegram", "telegram_enabled", p),
			BotToken:      c.GetString("channels.telegram.bot_token"),
			ChatID:        c.GetInt64("channels.telegram.chat_id"),
			APIEndpoint:   c.GetString("channels.telegram.api_endpoint"),
		},
	}
}

func (c *Config) getDigest(p *problems) DigestConfig {
	loc, err := loadLocation(c.GetString("digest.timezone"))
	if err != nil {
		p.addf("digest.timezone: %v", err)
		loc = time.Local
	}

	base, err := core.ParseTier(c.GetString("digest.threshold"))
	if err != nil {
		p.addf("digest.threshold: %v", err)
	}

	daily := ScheduleConfig{Enabled: c.GetBool("digest.daily.enabled"), Threshold: base}
	daily.Hour, daily.Minute = c.clock(c.legacyString("digest.daily.time", "daily_digest_time"), "digest.daily.time", p)
	if s := c.GetString("digest.daily.threshold"); s != "" {
		if daily.Threshold, err = core.ParseTier(s); err != nil {
			p.addf("digest.daily.threshold: %v", err)
		}
	}

	weekly := ScheduleConfig{Enabled: c.GetBool("digest.weekly.enabled"), Threshold: base}
	weekly.Hour, weekly.Minute = c.clock(c.legacyString("digest.weekly.time", "weekly_digest_time"), "digest.weekly.time", p)
	day := c.legacyString("digest.weekly.day", "weekly_digest_day")
	if weekly.Weekday, err = parseWeekday(day); err != nil {
		p.addf("digest.weekly.day: %v", err)
	}
	if s := c.GetString("digest.weekly.threshold"); s != "" {
		if weekly.Threshold, err = core.ParseTier(s); err != nil {
			p.addf("digest.weekly.threshold: %v", err)
		}
	}

	return DigestConfig{
		Location:      loc,
		Daily:         daily,
		Weekly:        weekly,
		TopSenders:    c.GetInt("digest.top_senders"),
		CatchUp:       c.GetBool("digest.catch_up"),
		Backfill:      c.GetBool("digest.backfill"),
		BackfillLimit: c.GetInt("digest.backfill_limit"),
	}
}

func (c *Config) getStore(p *problems) StoreConfig {
	return StoreConfig{
		Type:            strings.ToLower(c.GetString("store.type")),
		SQLitePath:      c.GetString("store.sqlite_path"),
		MySQLDSN:        c.GetString("store.mysql_dsn"),
		PostgresDSN:     c.GetString("store.postgres_dsn"),
		PruneInterval:   c.duration("store.prune_interval", p),
		RetentionMargin: c.duration("store.retention_margin", p),
	}
}

// channel reads the shared settings of one channel. legacyEnabled is the
// flat key used by older config files, e.g. "whatsapp_enabled".
func (c *Config) channel(name, legacyEnabled string, p *problems) ChannelConfig {
	prefix := "channels." + name + "."
	enabled := c.GetBool(prefix + "enabled")
	if c.IsSet(legacyEnabled) {
		enabled = c.GetBool(legacyEnabled)
	}
	threshold, err := core.ParseTier(c.GetString(prefix + "threshold"))
	if err != nil {
		p.addf("%sthreshold: %v", prefix, err)
	}
	return ChannelConfig{
		Name:       name,
		Enabled:    enabled,
		Threshold:  threshold,
		Digest:     c.GetBool(prefix + "digest"),
		MaxLength:  c.GetInt(prefix + "max_length"),
		MaxPerHour: c.GetInt(prefix + "max_per_hour"),
	}
}

func (c *Config) retryPolicy(prefix string, p *problems) core.RetryPolicy {
	return core.RetryPolicy{
		Attempts:  c.GetInt(prefix + ".attempts"),
		BaseDelay: c.duration(prefix+".base_delay", p),
		MaxDelay:  c.duration(prefix+".max_delay", p),
		Timeout:   c.duration(prefix+".timeout", p),
	}
}

func (c *Config) duration(key string, p *problems) time.Duration {
	d, err := c.GetDuration(key)
	if err != nil {
		p.addf("%s: %v", key, err)
	}
	return d
}

func (c *Config) clock(value, key string, p *problems) (int, int) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		p.addf("%s: want HH:MM, got %q", key, value)
		return 0, 0
	}
	return t.Hour(), t.Minute()
}

func (c *Config) legacyString(key, legacy string) string {
	if c.IsSet(legacy) {
		return c.GetString(legacy)
	}
	return c.GetString(key)
}

func (c *Config) legacyStrings(key, legacy string) []string {
	if c.IsSet(legacy) {
		return c.GetStringSlice(legacy)
	}
	return c.GetStringSlice(key)
}

func loadLocation(name string) (*time.Location, error) {
	switch name {
	case "", "Local", "local":
		return time.Local, nil
	default:
		return time.LoadLocation(name)
	}
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("unknown weekday %q", s)
}
