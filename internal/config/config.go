package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	PollingTimeout int           `mapstructure:"polling_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type GeminiConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AdmissionConfig holds the timing knobs of the verification pipeline.
type AdmissionConfig struct {
	// NotifyAfter is how long a pending verification may sit before the
	// sweep posts a reminder.
	NotifyAfter time.Duration `mapstructure:"notify_after"`
	// BanAfter is the total time budget before the sweep bans the user.
	BanAfter time.Duration `mapstructure:"ban_after"`
	// CountdownTicks is the number of one-second countdown steps on join.
	CountdownTicks int `mapstructure:"countdown_ticks"`
	// CountdownTTL bounds countdown-set membership against stuck entries.
	CountdownTTL  time.Duration `mapstructure:"countdown_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ForgivenessWindow is the expiry of the per-user infraction counter.
	// A single knob so deployments can decide how long infractions are
	// remembered.
	ForgivenessWindow time.Duration `mapstructure:"forgiveness_window"`
	// CleanupDelay is how long ban announcements stay before deletion.
	CleanupDelay time.Duration `mapstructure:"cleanup_delay"`
	// ChallengeSubject is what the requested image must depict.
	ChallengeSubject string `mapstructure:"challenge_subject"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSONFormat bool   `mapstructure:"json_format"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("telegram.polling_timeout", 60)
	v.SetDefault("telegram.request_timeout", "2m")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("gemini.timeout", "30s")
	v.SetDefault("admission.notify_after", "10m")
	v.SetDefault("admission.ban_after", "1h")
	v.SetDefault("admission.countdown_ticks", 10)
	v.SetDefault("admission.countdown_ttl", "60s")
	v.SetDefault("admission.sweep_interval", "60s")
	v.SetDefault("admission.forgiveness_window", "8784h") // 366 days
	v.SetDefault("admission.cleanup_delay", "10m")
	v.SetDefault("admission.challenge_subject", "bicycle")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json_format", false)

	// Config file locations
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/warden-tg-bot")

	// Environment variables
	v.SetEnvPrefix("WARDEN_BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK, use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.api_key is required")
	}
	if c.Admission.CountdownTicks < 1 {
		return fmt.Errorf("admission.countdown_ticks must be at least 1")
	}
	if c.Admission.NotifyAfter >= c.Admission.BanAfter {
		return fmt.Errorf("admission.notify_after must be shorter than admission.ban_after")
	}
	if c.Admission.SweepInterval < time.Second {
		return fmt.Errorf("admission.sweep_interval must be at least 1s")
	}
	if c.Admission.ChallengeSubject == "" {
		return fmt.Errorf("admission.challenge_subject is required")
	}
	return nil
}
