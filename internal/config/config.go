// Package config defines the top-level configuration for the market maker
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SPOTMM_* environment variables.
type Config struct {
	Exchange   ExchangeConfig   `toml:"exchange"`
	Oracle     OracleConfig     `toml:"oracle"`
	MarketData MarketDataConfig `toml:"market_data"`
	Quoting    QuotingConfig    `toml:"quoting"`
	Inventory  InventoryConfig  `toml:"inventory"`
	Engine     EngineConfig     `toml:"engine"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Executor   ExecutorConfig   `toml:"executor"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Paper      PaperConfig      `toml:"paper"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	Symbols    []string         `toml:"symbols"`
}

// ExchangeConfig holds the trading venue endpoints and API credentials.
type ExchangeConfig struct {
	Name           string   `toml:"name"`
	RESTURL        string   `toml:"rest_url"`
	StreamURL      string   `toml:"stream_url"`       // combined market streams
	UserStreamURL  string   `toml:"user_stream_url"`  // raw stream root for listen keys
	APIKey         string   `toml:"api_key"`
	APISecret      string   `toml:"api_secret"`
	RecvWindow     duration `toml:"recv_window"`
	RequestTimeout duration `toml:"request_timeout"`
	FeeRate        float64  `toml:"fee_rate"`
}

// OracleConfig configures the reference-price oracle.
type OracleConfig struct {
	Venues         []string `toml:"venues"` // priority order
	PollInterval   duration `toml:"poll_interval"`
	ProbeTimeout   duration `toml:"probe_timeout"`
	RequestTimeout duration `toml:"request_timeout"`
	StaleAfter     duration `toml:"stale_after"`
	BackoffBase    duration `toml:"backoff_base"`
	BackoffMax     duration `toml:"backoff_max"`
}

// MarketDataConfig configures the order-book gateway.
type MarketDataConfig struct {
	GraceWindow    duration `toml:"grace_window"`
	PollInterval   duration `toml:"poll_interval"`
	RequestTimeout duration `toml:"request_timeout"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	MaxReconnects  int      `toml:"max_reconnects"`
	DepthLevels    int      `toml:"depth_levels"`
	SampleWindow   int      `toml:"sample_window"`
	StaleAfter     duration `toml:"stale_after"`
}

// QuotingConfig holds the Avellaneda–Stoikov parameters.
type QuotingConfig struct {
	Gamma         float64 `toml:"gamma"`
	Horizon       float64 `toml:"horizon"`
	MinSpreadPct  float64 `toml:"min_spread_pct"`
	MaxSpreadPct  float64 `toml:"max_spread_pct"`
	InventoryUnit float64 `toml:"inventory_unit"`
	VolDecay      float64 `toml:"vol_decay"`
	VolSmoothing  float64 `toml:"vol_smoothing"`
	DefaultVol    float64 `toml:"default_vol"`
}

// InventoryConfig holds position limits and targets.
type InventoryConfig struct {
	QuoteAsset        string             `toml:"quote_asset"`
	Targets           map[string]float64 `toml:"targets"`
	MaxPositionValue  float64            `toml:"max_position_value"`
	MaxSkew           float64            `toml:"max_skew"`
	ReconcileInterval duration           `toml:"reconcile_interval"`
}

// EngineConfig holds tick loop parameters.
type EngineConfig struct {
	TickInterval       duration `toml:"tick_interval"`
	PricePolicy        string   `toml:"price_policy"`
	SafetyBandPct      float64  `toml:"safety_band_pct"`
	RefreshThreshold   float64  `toml:"refresh_threshold"`
	MinRefreshInterval duration `toml:"min_refresh_interval"`
	StaleWarnInterval  duration `toml:"stale_warn_interval"`
	OrderQuantity      float64  `toml:"order_quantity"`
	OrderValuePct      float64  `toml:"order_value_pct"`
	VolumeMode         bool     `toml:"volume_mode"`
	VolumeMinSpreadPct float64  `toml:"volume_min_spread_pct"`
	QueueJumpTicks     int      `toml:"queue_jump_ticks"`
	DepthReference     float64  `toml:"depth_reference"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	MaxDrawdownPct  float64  `toml:"max_drawdown_pct"`
	MaxDeviationPct float64  `toml:"max_deviation_pct"`
	NetworkTimeout  duration `toml:"network_timeout"`
}

// ExecutorConfig holds order rate limits, retries and the error budget.
type ExecutorConfig struct {
	CreateLimit    int      `toml:"create_limit"`
	CancelLimit    int      `toml:"cancel_limit"`
	RateWindow     duration `toml:"rate_window"`
	SharedLimiter  bool     `toml:"shared_limiter"` // use Redis when enabled
	MaxErrors      int      `toml:"max_errors"`
	ErrorWindow    duration `toml:"error_window"`
	MaxRetries     int      `toml:"max_retries"`
	RetryDelay     duration `toml:"retry_delay"`
	RequestTimeout duration `toml:"request_timeout"`
}

// MonitorConfig configures order tracking.
type MonitorConfig struct {
	PollInterval     duration `toml:"poll_interval"`
	UserStream       bool     `toml:"user_stream"`
	StreamRetries    int      `toml:"stream_retries"`
	StreamRetryDelay duration `toml:"stream_retry_delay"`
}

// PaperConfig holds the simulated account used in paper mode.
type PaperConfig struct {
	Balances      map[string]float64 `toml:"balances"`
	FeeRate       float64            `toml:"fee_rate"`
	MatchInterval duration           `toml:"match_interval"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	KeyPrefix    string `toml:"key_prefix"`
	EventChannel string `toml:"event_channel"`
	FillStream   string `toml:"fill_stream"`
}

// PostgresConfig holds the optional journal connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "250ms", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP status server parameters.
type ServerConfig struct {
	Enabled    bool     `toml:"enabled"`
	Port       int      `toml:"port"`
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"` // requests per rate_window per client IP, 0 = off
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:           "binance",
			RESTURL:        "https://api.binance.com",
			StreamURL:      "wss://stream.binance.com:9443/stream",
			UserStreamURL:  "wss://stream.binance.com:9443/ws",
			RecvWindow:     duration{5 * time.Second},
			RequestTimeout: duration{5 * time.Second},
			FeeRate:        0.001,
		},
		Oracle: OracleConfig{
			Venues:         []string{"binance", "okx", "coinbase"},
			PollInterval:   duration{time.Second},
			ProbeTimeout:   duration{2 * time.Second},
			RequestTimeout: duration{2 * time.Second},
			StaleAfter:     duration{3 * time.Second},
			BackoffBase:    duration{time.Second},
			BackoffMax:     duration{30 * time.Second},
		},
		MarketData: MarketDataConfig{
			GraceWindow:    duration{5 * time.Second},
			PollInterval:   duration{time.Second},
			RequestTimeout: duration{3 * time.Second},
			ReconnectDelay: duration{2 * time.Second},
			MaxReconnects:  10,
			DepthLevels:    20,
			SampleWindow:   120,
			StaleAfter:     duration{5 * time.Second},
		},
		Quoting: QuotingConfig{
			Gamma:         0.1,
			Horizon:       1,
			MinSpreadPct:  0.001,
			MaxSpreadPct:  0.02,
			InventoryUnit: 1,
			VolDecay:      0.94,
			VolSmoothing:  0.2,
			DefaultVol:    0.001,
		},
		Inventory: InventoryConfig{
			QuoteAsset:        "USDT",
			Targets:           map[string]float64{},
			ReconcileInterval: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			TickInterval:       duration{time.Second},
			PricePolicy:        "oracle_only",
			SafetyBandPct:      0.02,
			RefreshThreshold:   0.0005,
			MinRefreshInterval: duration{2 * time.Second},
			StaleWarnInterval:  duration{10 * time.Second},
			OrderValuePct:      0.02,
			VolumeMinSpreadPct: 0.002,
			QueueJumpTicks:     1,
		},
		Breaker: BreakerConfig{
			MaxDrawdownPct:  0.05,
			MaxDeviationPct: 0.01,
			NetworkTimeout:  duration{30 * time.Second},
		},
		Executor: ExecutorConfig{
			CreateLimit:    10,
			CancelLimit:    10,
			RateWindow:     duration{time.Second},
			MaxErrors:      20,
			ErrorWindow:    duration{time.Minute},
			MaxRetries:     3,
			RetryDelay:     duration{200 * time.Millisecond},
			RequestTimeout: duration{5 * time.Second},
		},
		Monitor: MonitorConfig{
			PollInterval:     duration{time.Second},
			UserStream:       true,
			StreamRetries:    5,
			StreamRetryDelay: duration{2 * time.Second},
		},
		Paper: PaperConfig{
			Balances:      map[string]float64{"USDT": 10_000},
			FeeRate:       0.001,
			MatchInterval: duration{100 * time.Millisecond},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "spotmm:",
			EventChannel: "spotmm:events",
			FillStream:   "spotmm:fills",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "spotmaker",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8080,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"breaker_trip", "executor_halt", "engine_stopped"},
		},
		Mode:     "paper",
		LogLevel: "info",
		Symbols:  []string{"BTC/USDT"},
	}
}

var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPricePolicies = map[string]bool{
	"oracle_only":      true,
	"oracle_then_book": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(c.Symbols) == 0 {
		errs = append(errs, "symbols must not be empty")
	}
	for _, s := range c.Symbols {
		base, quote, ok := strings.Cut(s, "/")
		if !ok || base == "" || quote == "" {
			errs = append(errs, fmt.Sprintf("symbol %q must be BASE/QUOTE", s))
			continue
		}
		if c.Inventory.QuoteAsset != "" && quote != c.Inventory.QuoteAsset {
			errs = append(errs, fmt.Sprintf("symbol %q does not quote in %s", s, c.Inventory.QuoteAsset))
		}
	}

	// Exchange
	if c.Exchange.RESTURL == "" {
		errs = append(errs, "exchange: rest_url must not be empty")
	}
	if strings.EqualFold(c.Mode, "live") && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		errs = append(errs, "exchange: api_key and api_secret are required for mode live")
	}
	if c.Exchange.FeeRate < 0 {
		errs = append(errs, "exchange: fee_rate must be >= 0")
	}

	// Oracle
	if len(c.Oracle.Venues) == 0 {
		errs = append(errs, "oracle: venues must not be empty")
	}
	if c.Oracle.PollInterval.Duration <= 0 {
		errs = append(errs, "oracle: poll_interval must be > 0")
	}
	if c.Oracle.StaleAfter.Duration <= 0 {
		errs = append(errs, "oracle: stale_after must be > 0")
	}

	// Market data
	if c.MarketData.PollInterval.Duration <= 0 {
		errs = append(errs, "market_data: poll_interval must be > 0")
	}
	if c.MarketData.MaxReconnects < 0 {
		errs = append(errs, "market_data: max_reconnects must be >= 0")
	}
	if c.MarketData.SampleWindow < 2 {
		errs = append(errs, "market_data: sample_window must be >= 2")
	}

	// Quoting
	if c.Quoting.Gamma < 0 {
		errs = append(errs, "quoting: gamma must be >= 0")
	}
	if c.Quoting.MinSpreadPct <= 0 {
		errs = append(errs, "quoting: min_spread_pct must be > 0")
	}
	if c.Quoting.MaxSpreadPct > 0 && c.Quoting.MaxSpreadPct < c.Quoting.MinSpreadPct {
		errs = append(errs, "quoting: max_spread_pct must not be below min_spread_pct")
	}
	if c.Quoting.VolDecay <= 0 || c.Quoting.VolDecay >= 1 {
		errs = append(errs, "quoting: vol_decay must be in (0, 1)")
	}
	if c.Quoting.VolSmoothing <= 0 || c.Quoting.VolSmoothing > 1 {
		errs = append(errs, "quoting: vol_smoothing must be in (0, 1]")
	}

	// Inventory
	if c.Inventory.QuoteAsset == "" {
		errs = append(errs, "inventory: quote_asset must not be empty")
	}
	if c.Inventory.MaxPositionValue < 0 || c.Inventory.MaxSkew < 0 {
		errs = append(errs, "inventory: limits must be >= 0")
	}

	// Engine
	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be > 0")
	}
	if !validPricePolicies[c.Engine.PricePolicy] {
		errs = append(errs, fmt.Sprintf("engine: unknown price_policy %q (valid: oracle_only, oracle_then_book)", c.Engine.PricePolicy))
	}
	if c.Engine.OrderQuantity <= 0 && (c.Engine.OrderValuePct <= 0 || c.Engine.OrderValuePct > 1) {
		errs = append(errs, "engine: set order_quantity > 0 or order_value_pct in (0, 1]")
	}
	if c.Engine.RefreshThreshold < 0 {
		errs = append(errs, "engine: refresh_threshold must be >= 0")
	}
	if c.Engine.QueueJumpTicks < 0 {
		errs = append(errs, "engine: queue_jump_ticks must be >= 0")
	}

	// Breaker
	if c.Breaker.MaxDrawdownPct <= 0 || c.Breaker.MaxDeviationPct <= 0 || c.Breaker.NetworkTimeout.Duration <= 0 {
		errs = append(errs, "breaker: max_drawdown_pct, max_deviation_pct and network_timeout must be > 0")
	}

	// Executor
	if c.Executor.CreateLimit < 0 || c.Executor.CancelLimit < 0 {
		errs = append(errs, "executor: rate limits must be >= 0")
	}
	if (c.Executor.CreateLimit > 0 || c.Executor.CancelLimit > 0) && c.Executor.RateWindow.Duration <= 0 {
		errs = append(errs, "executor: rate_window must be > 0 when limits are set")
	}
	if c.Executor.MaxErrors < 1 {
		errs = append(errs, "executor: max_errors must be >= 1")
	}
	if c.Executor.MaxRetries < 0 {
		errs = append(errs, "executor: max_retries must be >= 0")
	}
	if c.Executor.SharedLimiter && !c.Redis.Enabled {
		errs = append(errs, "executor: shared_limiter requires redis.enabled")
	}

	// Monitor
	if c.Monitor.PollInterval.Duration <= 0 {
		errs = append(errs, "monitor: poll_interval must be > 0")
	}

	// Paper
	if strings.EqualFold(c.Mode, "paper") && len(c.Paper.Balances) == 0 {
		errs = append(errs, "paper: balances must not be empty for mode paper")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
