package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance. When path is empty the
// standard search locations are used.
func New(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mail-triage/")
		v.AddConfigPath("$HOME/.mail-triage")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("MAIL_TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// Reload re-reads the configuration file, if one was used
func (c *Config) Reload() error {
	if c.v.ConfigFileUsed() == "" {
		return nil
	}
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to re-read config file: %w", err)
	}
	return nil
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// Triage rules
	v.SetDefault("user_email", "")
	v.SetDefault("vip_contacts", []string{})
	v.SetDefault("custom_keywords", []string{})

	// LLM provider defaults
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.retry.attempts", 3)
	v.SetDefault("llm.retry.base_delay", "1s")
	v.SetDefault("llm.retry.max_delay", "10s")
	v.SetDefault("llm.retry.timeout", "30s")

	// Bedrock defaults
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-v2")
	v.SetDefault("bedrock.max_tokens", 512)
	v.SetDefault("bedrock.temperature", 0.1)
	v.SetDefault("bedrock.top_p", 0.9)
	v.SetDefault("bedrock.max_body_size", 4000)

	// Gemini defaults
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-1.5-flash")
	v.SetDefault("gemini.max_tokens", 512)
	v.SetDefault("gemini.temperature", 0.1)
	v.SetDefault("gemini.top_p", 0.9)
	v.SetDefault("gemini.max_body_size", 4000)

	// OpenAI defaults
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model_name", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 512)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.top_p", 0.9)
	v.SetDefault("openai.max_body_size", 4000)
	v.SetDefault("openai.base_url", "")

	// Anthropic defaults
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model_name", "claude-3-5-haiku-latest")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("anthropic.temperature", 0.1)
	v.SetDefault("anthropic.max_body_size", 4000)
	v.SetDefault("anthropic.base_url", "")

	// Mailbox defaults
	v.SetDefault("gmail.credentials_path", "credentials.json")
	v.SetDefault("gmail.token_path", "")
	v.SetDefault("gmail.user_id", "me")
	v.SetDefault("gmail.query", "in:inbox")
	v.SetDefault("gmail.max_results", 50)

	// Monitor defaults
	v.SetDefault("monitor.poll_interval", "60s")
	v.SetDefault("monitor.concurrency", 4)
	v.SetDefault("monitor.initial_lookback", "24h")
	v.SetDefault("monitor.cursor_name", "inbox")
	v.SetDefault("monitor.process_timeout", "2m")
	v.SetDefault("monitor.fetch_retry.attempts", 3)
	v.SetDefault("monitor.fetch_retry.base_delay", "2s")
	v.SetDefault("monitor.fetch_retry.max_delay", "30s")
	v.SetDefault("monitor.fetch_retry.timeout", "60s")

	// Notification defaults
	v.SetDefault("notify.channel_order", []string{"whatsapp", "push", "telegram", "email"})
	v.SetDefault("notify.retry.attempts", 3)
	v.SetDefault("notify.retry.base_delay", "1s")
	v.SetDefault("notify.retry.max_delay", "30s")
	v.SetDefault("notify.retry.timeout", "15s")
	v.SetDefault("dedup.proceed_on_read_error", false)

	// Email channel defaults
	v.SetDefault("channels.email.enabled", true)
	v.SetDefault("channels.email.threshold", "critical")
	v.SetDefault("channels.email.digest", true)
	v.SetDefault("channels.email.smtp_host", "smtp.gmail.com")
	v.SetDefault("channels.email.smtp_port", 587)
	v.SetDefault("channels.email.tls_mode", "starttls")
	v.SetDefault("channels.email.username", "")
	v.SetDefault("channels.email.password", "")
	v.SetDefault("channels.email.from", "")
	v.SetDefault("channels.email.to", "")
	v.SetDefault("channels.email.max_per_hour", 0)

	// WhatsApp channel defaults
	v.SetDefault("channels.whatsapp.enabled", false)
	v.SetDefault("channels.whatsapp.threshold", "critical")
	v.SetDefault("channels.whatsapp.digest", false)
	v.SetDefault("channels.whatsapp.max_length", 1600)
	v.SetDefault("channels.whatsapp.max_per_hour", 20)
	v.SetDefault("channels.whatsapp.api_base", "https://api.twilio.com")
	v.SetDefault("channels.whatsapp.account_sid", "")
	v.SetDefault("channels.whatsapp.auth_token", "")
	v.SetDefault("channels.whatsapp.from_number", "")
	v.SetDefault("channels.whatsapp.to_number", "")

	// Push channel defaults
	v.SetDefault("channels.push.enabled", false)
	v.SetDefault("channels.push.threshold", "high")
	v.SetDefault("channels.push.digest", false)
	v.SetDefault("channels.push.max_length", 1000)
	v.SetDefault("channels.push.max_per_hour", 30)
	v.SetDefault("channels.push.project_id", "")
	v.SetDefault("channels.push.credentials_file", "")
	v.SetDefault("channels.push.endpoint", "")
	v.SetDefault("channels.push.device_tokens", []string{})

	// Telegram channel defaults
	v.SetDefault("channels.telegram.enabled", false)
	v.SetDefault("channels.telegram.threshold", "high")
	v.SetDefault("channels.telegram.digest", false)
	v.SetDefault("channels.telegram.max_length", 4000)
	v.SetDefault("channels.telegram.max_per_hour", 30)
	v.SetDefault("channels.telegram.bot_token", "")
	v.SetDefault("channels.telegram.chat_id", 0)
	v.SetDefault("channels.telegram.api_endpoint", "")

	// Digest defaults
	v.SetDefault("digest.timezone", "Local")
	v.SetDefault("digest.threshold", "normal")
	v.SetDefault("digest.top_senders", 5)
	v.SetDefault("digest.catch_up", true)
	v.SetDefault("digest.backfill", true)
	v.SetDefault("digest.backfill_limit", 500)
	v.SetDefault("digest.daily.enabled", true)
	v.SetDefault("digest.daily.time", "17:00")
	v.SetDefault("digest.daily.threshold", "")
	v.SetDefault("digest.weekly.enabled", true)
	v.SetDefault("digest.weekly.day", "monday")
	v.SetDefault("digest.weekly.time", "09:00")
	v.SetDefault("digest.weekly.threshold", "high")

	// Store defaults
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/mail-triage.db")
	v.SetDefault("store.mysql_dsn", "user:password@tcp(localhost:3306)/mail_triage?parseTime=true")
	v.SetDefault("store.postgres_dsn", "postgres://localhost:5432/mail_triage")
	v.SetDefault("store.prune_interval", "6h")
	v.SetDefault("store.retention_margin", "48h")

	// Ops endpoint defaults
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen_address", "127.0.0.1:9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetInt64 gets an int64 value from the configuration
func (c *Config) GetInt64(key string) int64 {
	return c.v.GetInt64(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	return time.ParseDuration(c.GetString(key))
}

// IsSet reports whether the key was set by a file, env or override
func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
