package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Core
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":3000"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Generation service
	GenerationURL    string `env:"GENERATION_URL,required"`
	GenerationAPIKey string `env:"GENERATION_API_KEY"`

	// Credits
	JobCost        string `env:"JOB_COST" envDefault:"1"`
	InitialCredits string `env:"INITIAL_CREDITS" envDefault:"0"`

	// Orchestration timing
	SendCooldown         time.Duration `env:"SEND_COOLDOWN" envDefault:"2s"`
	JobPollInterval      time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"1s"`
	JobMaxAttempts       int           `env:"JOB_MAX_ATTEMPTS" envDefault:"90"`
	CampaignPollInterval time.Duration `env:"CAMPAIGN_POLL_INTERVAL" envDefault:"2s"`
	CampaignGrace        time.Duration `env:"CAMPAIGN_GRACE" envDefault:"15s"`
	ReloadDebounce       time.Duration `env:"RELOAD_DEBOUNCE" envDefault:"300ms"`
	ViewIdleTimeout      time.Duration `env:"VIEW_IDLE_TIMEOUT" envDefault:"30m"`

	// Rate limit (requests per minute per owner context)
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`

	// Credit top-ups are disabled while empty
	AdminToken string `env:"ADMIN_TOKEN"`

	// Telegram ops logging
	BotToken             string `env:"BOT_TOKEN"`
	LogTelegramChatID    int64  `env:"LOG_TELEGRAM_CHAT_ID"`
	LogTopicError        int    `env:"LOG_TOPIC_ERROR"`
	LogTopicCreditDebit  int    `env:"LOG_TOPIC_CREDIT_DEBIT"`
	LogTopicCreditRefund int    `env:"LOG_TOPIC_CREDIT_REFUND"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store driver %q", c.StoreDriver)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if _, err := decimal.NewFromString(c.JobCost); err != nil {
		return fmt.Errorf("parse JOB_COST: %w", err)
	}
	if _, err := decimal.NewFromString(c.InitialCredits); err != nil {
		return fmt.Errorf("parse INITIAL_CREDITS: %w", err)
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// JobCostDecimal returns the credit cost of one generation job.
func (c *Config) JobCostDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(c.JobCost)
	return d
}

// InitialCreditsDecimal returns the balance granted to new owner contexts.
func (c *Config) InitialCreditsDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(c.InitialCredits)
	return d
}

// TelegramLogging reports whether ops alerts should be mirrored to Telegram.
func (c *Config) TelegramLogging() bool {
	return c.BotToken != "" && c.LogTelegramChatID != 0
}
