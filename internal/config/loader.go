package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// built-in defaults, then applies SPOTMM_* environment overrides. A .env file
// in the working directory is loaded first when present. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose SPOTMM_* variable is set. Secrets
// are expected to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "SPOTMM_EXCHANGE_NAME")
	setStr(&cfg.Exchange.RESTURL, "SPOTMM_EXCHANGE_REST_URL")
	setStr(&cfg.Exchange.StreamURL, "SPOTMM_EXCHANGE_STREAM_URL")
	setStr(&cfg.Exchange.UserStreamURL, "SPOTMM_EXCHANGE_USER_STREAM_URL")
	setStr(&cfg.Exchange.APIKey, "SPOTMM_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "SPOTMM_EXCHANGE_API_SECRET")
	setDuration(&cfg.Exchange.RecvWindow, "SPOTMM_EXCHANGE_RECV_WINDOW")
	setDuration(&cfg.Exchange.RequestTimeout, "SPOTMM_EXCHANGE_REQUEST_TIMEOUT")
	setFloat64(&cfg.Exchange.FeeRate, "SPOTMM_EXCHANGE_FEE_RATE")

	// ── Oracle ──
	setStringSlice(&cfg.Oracle.Venues, "SPOTMM_ORACLE_VENUES")
	setDuration(&cfg.Oracle.PollInterval, "SPOTMM_ORACLE_POLL_INTERVAL")
	setDuration(&cfg.Oracle.ProbeTimeout, "SPOTMM_ORACLE_PROBE_TIMEOUT")
	setDuration(&cfg.Oracle.StaleAfter, "SPOTMM_ORACLE_STALE_AFTER")

	// ── Market data ──
	setDuration(&cfg.MarketData.GraceWindow, "SPOTMM_MARKET_DATA_GRACE_WINDOW")
	setDuration(&cfg.MarketData.PollInterval, "SPOTMM_MARKET_DATA_POLL_INTERVAL")
	setDuration(&cfg.MarketData.ReconnectDelay, "SPOTMM_MARKET_DATA_RECONNECT_DELAY")
	setInt(&cfg.MarketData.MaxReconnects, "SPOTMM_MARKET_DATA_MAX_RECONNECTS")
	setDuration(&cfg.MarketData.StaleAfter, "SPOTMM_MARKET_DATA_STALE_AFTER")

	// ── Quoting ──
	setFloat64(&cfg.Quoting.Gamma, "SPOTMM_QUOTING_GAMMA")
	setFloat64(&cfg.Quoting.MinSpreadPct, "SPOTMM_QUOTING_MIN_SPREAD_PCT")
	setFloat64(&cfg.Quoting.MaxSpreadPct, "SPOTMM_QUOTING_MAX_SPREAD_PCT")

	// ── Inventory ──
	setStr(&cfg.Inventory.QuoteAsset, "SPOTMM_INVENTORY_QUOTE_ASSET")
	setFloat64(&cfg.Inventory.MaxPositionValue, "SPOTMM_INVENTORY_MAX_POSITION_VALUE")
	setFloat64(&cfg.Inventory.MaxSkew, "SPOTMM_INVENTORY_MAX_SKEW")
	setFloatMap(&cfg.Inventory.Targets, "SPOTMM_INVENTORY_TARGETS")

	// ── Engine ──
	setDuration(&cfg.Engine.TickInterval, "SPOTMM_ENGINE_TICK_INTERVAL")
	setStr(&cfg.Engine.PricePolicy, "SPOTMM_ENGINE_PRICE_POLICY")
	setFloat64(&cfg.Engine.SafetyBandPct, "SPOTMM_ENGINE_SAFETY_BAND_PCT")
	setFloat64(&cfg.Engine.RefreshThreshold, "SPOTMM_ENGINE_REFRESH_THRESHOLD")
	setDuration(&cfg.Engine.MinRefreshInterval, "SPOTMM_ENGINE_MIN_REFRESH_INTERVAL")
	setFloat64(&cfg.Engine.OrderQuantity, "SPOTMM_ENGINE_ORDER_QUANTITY")
	setFloat64(&cfg.Engine.OrderValuePct, "SPOTMM_ENGINE_ORDER_VALUE_PCT")
	setBool(&cfg.Engine.VolumeMode, "SPOTMM_ENGINE_VOLUME_MODE")

	// ── Breaker ──
	setFloat64(&cfg.Breaker.MaxDrawdownPct, "SPOTMM_BREAKER_MAX_DRAWDOWN_PCT")
	setFloat64(&cfg.Breaker.MaxDeviationPct, "SPOTMM_BREAKER_MAX_DEVIATION_PCT")
	setDuration(&cfg.Breaker.NetworkTimeout, "SPOTMM_BREAKER_NETWORK_TIMEOUT")

	// ── Executor ──
	setInt(&cfg.Executor.CreateLimit, "SPOTMM_EXECUTOR_CREATE_LIMIT")
	setInt(&cfg.Executor.CancelLimit, "SPOTMM_EXECUTOR_CANCEL_LIMIT")
	setBool(&cfg.Executor.SharedLimiter, "SPOTMM_EXECUTOR_SHARED_LIMITER")
	setInt(&cfg.Executor.MaxErrors, "SPOTMM_EXECUTOR_MAX_ERRORS")
	setDuration(&cfg.Executor.ErrorWindow, "SPOTMM_EXECUTOR_ERROR_WINDOW")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "SPOTMM_MONITOR_POLL_INTERVAL")
	setBool(&cfg.Monitor.UserStream, "SPOTMM_MONITOR_USER_STREAM")

	// ── Paper ──
	setFloatMap(&cfg.Paper.Balances, "SPOTMM_PAPER_BALANCES")
	setFloat64(&cfg.Paper.FeeRate, "SPOTMM_PAPER_FEE_RATE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SPOTMM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SPOTMM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPOTMM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPOTMM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SPOTMM_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "SPOTMM_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "SPOTMM_REDIS_KEY_PREFIX")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SPOTMM_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SPOTMM_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SPOTMM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SPOTMM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SPOTMM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SPOTMM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SPOTMM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SPOTMM_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "SPOTMM_POSTGRES_RUN_MIGRATIONS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SPOTMM_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SPOTMM_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SPOTMM_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SPOTMM_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SPOTMM_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SPOTMM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SPOTMM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SPOTMM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SPOTMM_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SPOTMM_MODE")
	setStr(&cfg.LogLevel, "SPOTMM_LOG_LEVEL")
	setStringSlice(&cfg.Symbols, "SPOTMM_SYMBOLS")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set, non-empty and parses.

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
		if cleaned := splitList(v); len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setFloatMap parses "USDT=1000,BTC=0.5". The whole value is ignored if any
// entry is malformed.
func setFloatMap(dst *map[string]float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string]float64)
	for _, part := range splitList(v) {
		k, val, ok := strings.Cut(part, "=")
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return
		}
		out[strings.TrimSpace(k)] = f
	}
	if len(out) > 0 {
		*dst = out
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}
