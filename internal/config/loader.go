package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the built-in defaults, loads a .env
// file if present, applies ENGINE_* environment overrides and returns the
// result. A missing file is not an error; an empty path skips the file.
// The caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from ENGINE_* variables that
// are set and non-empty.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ENGINE_SERVER_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.DSN, "ENGINE_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Database.MaxConns, "ENGINE_DATABASE_MAX_CONNS")
	setInt(&cfg.Database.MinConns, "ENGINE_DATABASE_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ENGINE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ENGINE_REDIS_DB")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.PriceTTL, "ENGINE_REDIS_PRICE_TTL")
	setStr(&cfg.Redis.Channel, "ENGINE_REDIS_CHANNEL")

	// ── Price ──
	setStr(&cfg.Price.CurveURL, "ENGINE_PRICE_CURVE_URL")
	setStr(&cfg.Price.AggregatorURL, "ENGINE_PRICE_AGGREGATOR_URL")
	setStr(&cfg.Price.DiscoveryURL, "ENGINE_PRICE_DISCOVERY_URL")
	setDuration(&cfg.Price.Timeout, "ENGINE_PRICE_TIMEOUT")

	// ── Execution ──
	setStr(&cfg.Execution.BaseURL, "ENGINE_EXECUTION_BASE_URL")
	setStr(&cfg.Execution.APIKey, "ENGINE_EXECUTION_API_KEY")
	setStr(&cfg.Execution.WalletID, "ENGINE_EXECUTION_WALLET_ID")
	setDuration(&cfg.Execution.Timeout, "ENGINE_EXECUTION_TIMEOUT")
	setInt(&cfg.Execution.SellMaxAttempts, "ENGINE_EXECUTION_SELL_MAX_ATTEMPTS")
	setInt(&cfg.Execution.DefaultSlippageBps, "ENGINE_EXECUTION_DEFAULT_SLIPPAGE_BPS")
	setStr(&cfg.Execution.DefaultPriorityFeeMode, "ENGINE_EXECUTION_DEFAULT_PRIORITY_FEE_MODE")

	// ── Monitor ──
	setDuration(&cfg.Monitor.TargetSellInterval, "ENGINE_MONITOR_TARGET_SELL_INTERVAL")
	setDuration(&cfg.Monitor.RebuyInterval, "ENGINE_MONITOR_REBUY_INTERVAL")
	setDuration(&cfg.Monitor.EmergencyInterval, "ENGINE_MONITOR_EMERGENCY_INTERVAL")
	setDuration(&cfg.Monitor.LimitOrderInterval, "ENGINE_MONITOR_LIMIT_ORDER_INTERVAL")
	setDuration(&cfg.Monitor.RecoveryInterval, "ENGINE_MONITOR_RECOVERY_INTERVAL")
	setDuration(&cfg.Monitor.ClaimLease, "ENGINE_MONITOR_CLAIM_LEASE")
	setBool(&cfg.Monitor.TargetSellEnabled, "ENGINE_MONITOR_TARGET_SELL_ENABLED")
	setBool(&cfg.Monitor.RebuyEnabled, "ENGINE_MONITOR_REBUY_ENABLED")
	setBool(&cfg.Monitor.EmergencyEnabled, "ENGINE_MONITOR_EMERGENCY_ENABLED")
	setBool(&cfg.Monitor.LimitOrderEnabled, "ENGINE_MONITOR_LIMIT_ORDER_ENABLED")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxPerMintUSD, "ENGINE_RISK_MAX_PER_MINT_USD")
	setFloat64(&cfg.Risk.MaxTotalUSD, "ENGINE_RISK_MAX_TOTAL_USD")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ENGINE_NOTIFY_EVENTS")
	setInt(&cfg.Notify.QueueSize, "ENGINE_NOTIFY_QUEUE_SIZE")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
