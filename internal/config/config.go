// Package config defines the engine configuration, its defaults and its
// validation rules.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the position engine.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Price     PriceConfig     `toml:"price"`
	Execution ExecutionConfig `toml:"execution"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Risk      RiskConfig      `toml:"risk"`
	Notify    NotifyConfig    `toml:"notify"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// DatabaseConfig configures PostgreSQL. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig configures the record cache, the price cache and event fan-out.
// An empty Addr disables every Redis-backed component.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	CacheTTL duration `toml:"cache_ttl"`
	PriceTTL duration `toml:"price_ttl"`
	Channel  string   `toml:"channel"`
}

// PriceConfig lists the quote sources in priority order.
type PriceConfig struct {
	CurveURL      string   `toml:"curve_url"`
	AggregatorURL string   `toml:"aggregator_url"`
	DiscoveryURL  string   `toml:"discovery_url"`
	Timeout       duration `toml:"timeout"`
}

// ExecutionConfig configures the Execution Service client.
type ExecutionConfig struct {
	BaseURL                string   `toml:"base_url"`
	APIKey                 string   `toml:"api_key"`
	WalletID               string   `toml:"wallet_id"`
	Timeout                duration `toml:"timeout"`
	SellMaxAttempts        int      `toml:"sell_max_attempts"`
	DefaultSlippageBps     int      `toml:"default_slippage_bps"`
	DefaultPriorityFeeMode string   `toml:"default_priority_fee_mode"`
}

// MonitorConfig sets the cadence of each monitor loop.
type MonitorConfig struct {
	TargetSellInterval duration `toml:"target_sell_interval"`
	RebuyInterval      duration `toml:"rebuy_interval"`
	EmergencyInterval  duration `toml:"emergency_interval"`
	LimitOrderInterval duration `toml:"limit_order_interval"`
	RecoveryInterval   duration `toml:"recovery_interval"`
	ClaimLease         duration `toml:"claim_lease"`
	TargetSellEnabled  bool     `toml:"target_sell_enabled"`
	RebuyEnabled       bool     `toml:"rebuy_enabled"`
	EmergencyEnabled   bool     `toml:"emergency_enabled"`
	LimitOrderEnabled  bool     `toml:"limit_order_enabled"`
}

// RiskConfig caps open USD exposure. Zero disables a limit.
type RiskConfig struct {
	MaxPerMintUSD float64 `toml:"max_per_mint_usd"`
	MaxTotalUSD   float64 `toml:"max_total_usd"`
}

// NotifyConfig configures the notification senders.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueSize         int      `toml:"queue_size"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding. The BurntSushi/toml library calls UnmarshalText, which lets us
// parse duration strings like "5s" or "1m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			MinConns:      1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			PriceTTL: duration{10 * time.Minute},
			Channel:  "engine:events",
		},
		Price: PriceConfig{
			Timeout: duration{3 * time.Second},
		},
		Execution: ExecutionConfig{
			Timeout:                duration{30 * time.Second},
			SellMaxAttempts:        2,
			DefaultSlippageBps:     500,
			DefaultPriorityFeeMode: "medium",
		},
		Monitor: MonitorConfig{
			TargetSellInterval: duration{15 * time.Second},
			RebuyInterval:      duration{15 * time.Second},
			EmergencyInterval:  duration{5 * time.Second},
			LimitOrderInterval: duration{2 * time.Second},
			RecoveryInterval:   duration{time.Minute},
			ClaimLease:         duration{2 * time.Minute},
			TargetSellEnabled:  true,
			RebuyEnabled:       true,
			EmergencyEnabled:   true,
			LimitOrderEnabled:  true,
		},
		Notify: NotifyConfig{
			QueueSize: 256,
		},
		LogLevel: "info",
	}
}

// Validate checks Config for obviously invalid or missing values and returns
// every problem found in one error.
func (c *Config) Validate() error {
	var errs []string

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Database.DSN != "" {
		if c.Database.MaxConns < 1 {
			errs = append(errs, "database: max_conns must be >= 1")
		}
		if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			errs = append(errs, "database: min_conns must be between 0 and max_conns")
		}
	}

	if c.Price.CurveURL == "" && c.Price.AggregatorURL == "" && c.Price.DiscoveryURL == "" {
		errs = append(errs, "price: at least one of curve_url, aggregator_url, discovery_url must be set")
	}
	if c.Price.Timeout.Duration <= 0 {
		errs = append(errs, "price: timeout must be > 0")
	}

	if c.Execution.BaseURL == "" {
		errs = append(errs, "execution: base_url must not be empty")
	}
	if c.Execution.Timeout.Duration <= 0 {
		errs = append(errs, "execution: timeout must be > 0")
	}
	if c.Execution.SellMaxAttempts < 1 {
		errs = append(errs, "execution: sell_max_attempts must be >= 1")
	}
	if c.Execution.DefaultSlippageBps < 0 || c.Execution.DefaultSlippageBps > 10000 {
		errs = append(errs, "execution: default_slippage_bps must be 0-10000")
	}

	for _, iv := range []struct {
		name string
		d    duration
	}{
		{"target_sell_interval", c.Monitor.TargetSellInterval},
		{"rebuy_interval", c.Monitor.RebuyInterval},
		{"emergency_interval", c.Monitor.EmergencyInterval},
		{"limit_order_interval", c.Monitor.LimitOrderInterval},
		{"recovery_interval", c.Monitor.RecoveryInterval},
		{"claim_lease", c.Monitor.ClaimLease},
	} {
		if iv.d.Duration < time.Second {
			errs = append(errs, fmt.Sprintf("monitor: %s must be >= 1s, got %s", iv.name, iv.d.Duration))
		}
	}

	// A claim must outlive the slowest sell, retries included.
	if inflight := c.Execution.Timeout.Duration * time.Duration(max(c.Execution.SellMaxAttempts, 1)); c.Monitor.ClaimLease.Duration <= inflight {
		errs = append(errs, fmt.Sprintf("monitor: claim_lease must exceed execution timeout x sell_max_attempts (%s)", inflight))
	}

	if c.Risk.MaxPerMintUSD < 0 || c.Risk.MaxTotalUSD < 0 {
		errs = append(errs, "risk: limits must be >= 0")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.QueueSize < 1 {
		errs = append(errs, "notify: queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
