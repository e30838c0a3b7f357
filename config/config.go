package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the startup configuration. Everything here is read once at boot;
// all mutable trading parameters live in the database behind the config store.
type Config struct {
	Accounts           []AccountConfig    `json:"accounts"`
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	ScannerConfig      ScannerConfig      `json:"scanner"`
	BatchEntryConfig   BatchEntryConfig   `json:"batch_entry"`
	SmartExitConfig    SmartExitConfig    `json:"smart_exit"`
	AdaptiveConfig     AdaptiveConfig     `json:"adaptive"`
	OptimizerConfig    OptimizerConfig    `json:"optimizer"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	StatusServerConfig StatusServerConfig `json:"status_server"`
	CircuitConfig      CircuitConfig      `json:"circuit_breaker"`
	TradingEnabled     bool               `json:"trading_enabled"` // global kill switch; DB row can still disable per account
	DryRun             bool               `json:"dry_run"`
}

// TradingType selects quantity/notional accounting for an account.
type TradingType string

const (
	TradingLinear  TradingType = "linear"  // USDT-margined
	TradingInverse TradingType = "inverse" // coin-margined
)

// AccountConfig describes one engine instance.
type AccountConfig struct {
	ID               string      `json:"id"`
	TradingType      TradingType `json:"trading_type"`
	Symbols          []string    `json:"symbols"`
	PositionSize     float64     `json:"position_size"` // target notional (USDT) or contracts (coin)
	Leverage         int         `json:"leverage"`
	MaxOpenPositions int         `json:"max_open_positions"`
	MaxPerDirection  int         `json:"max_per_direction"` // soft cap per (symbol, side)
	CooldownMinutes  int         `json:"cooldown_minutes"`
}

// ExchangeConfig holds exchange API settings
type ExchangeConfig struct {
	APIKey        string `json:"api_key"`
	SecretKey     string `json:"secret_key"`
	BaseURL       string `json:"base_url"`
	InverseURL    string `json:"inverse_url"`
	WSBaseURL     string `json:"ws_base_url"`
	TestNet       bool   `json:"testnet"`
	UseVault      bool   `json:"use_vault"` // fetch credentials from Vault instead of file/env
	VaultKeyPath  string `json:"vault_key_path"`
	TimeoutSecond int    `json:"timeout_seconds"`
}

// ScannerConfig holds the scan loop settings
type ScannerConfig struct {
	Enabled            bool `json:"enabled"`
	ScanIntervalSecond int  `json:"scan_interval_seconds"`
	MaxConcurrent      int  `json:"max_concurrent"` // concurrent candle fetches per iteration
}

// BatchEntryConfig holds staged entry settings
type BatchEntryConfig struct {
	Enabled                bool      `json:"enabled"`
	BatchRatios            []float64 `json:"batch_ratios"`
	TimeWindowMinutes      int       `json:"time_window_minutes"`
	BatchDeadlinesMinutes  []int     `json:"batch_deadlines_minutes"`
	SamplingWindowSeconds  int       `json:"sampling_window_seconds"`
	SamplingIntervalSecond int       `json:"sampling_interval_seconds"`
	MinSamples             int       `json:"min_samples"`
	InterBatchGapMinutes   int       `json:"inter_batch_gap_minutes"`
	AdverseMovePercent     float64   `json:"adverse_move_percent"`
}

// SmartExitConfig holds the layered exit rule thresholds
type SmartExitConfig struct {
	Enabled                  bool    `json:"enabled"`
	HighProfitTriggerPct     float64 `json:"high_profit_trigger_pct"`
	HighProfitRetracePct     float64 `json:"high_profit_retrace_pct"`
	MidProfitTriggerPct      float64 `json:"mid_profit_trigger_pct"`
	MidProfitRetracePct      float64 `json:"mid_profit_retrace_pct"`
	QuickCloseProfitPct      float64 `json:"quick_close_profit_pct"`
	QuickCloseAgeFraction    float64 `json:"quick_close_age_fraction"`
	BreakEvenPeakPct         float64 `json:"break_even_peak_pct"`
	BreakEvenBandLowPct      float64 `json:"break_even_band_low_pct"`
	BreakEvenBandHighPct     float64 `json:"break_even_band_high_pct"`
	ExtensionMinutes         int     `json:"extension_minutes"`
	WatchdogIntervalSeconds  int     `json:"watchdog_interval_seconds"`
	UnrealizedFlushSeconds   int     `json:"unrealized_flush_seconds"`
}

// AdaptiveSideConfig holds the adaptive default risk parameters for one side
type AdaptiveSideConfig struct {
	StopLossPct            float64 `json:"stop_loss_pct"`
	TakeProfitPct          float64 `json:"take_profit_pct"`
	MinHoldingMinutes      int     `json:"min_holding_minutes"`
	MaxHoldingMinutes      int     `json:"max_holding_minutes"`
	PositionSizeMultiplier float64 `json:"position_size_multiplier"`
}

// AdaptiveConfig holds per-side adaptive defaults
type AdaptiveConfig struct {
	Long  AdaptiveSideConfig `json:"long"`
	Short AdaptiveSideConfig `json:"short"`
}

// OptimizerConfig holds the daily optimizer schedule
type OptimizerConfig struct {
	Enabled      bool   `json:"enabled"`
	RunAt        string `json:"run_at"` // "HH:MM" wall clock, UTC
	DryRun       bool   `json:"dry_run"`
	LookbackDays int    `json:"lookback_days"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// RedisConfig holds Redis cache settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault settings
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// NotificationConfig holds notifier settings
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// LoggingConfig holds structured logging settings
type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// StatusServerConfig holds the read-only status HTTP server settings
type StatusServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// CircuitConfig holds the trading circuit breaker settings
type CircuitConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
}

// Load reads the configuration file and applies environment overrides.
func Load() (*Config, error) {
	path := getEnv("CONFIG_FILE", "config.json")

	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// No file; env-only configuration is allowed.
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks startup invariants that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: at least one account is required")
	}
	seen := make(map[string]bool)
	for _, acct := range c.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("config: account id must not be empty")
		}
		if seen[acct.ID] {
			return fmt.Errorf("config: duplicate account id %q", acct.ID)
		}
		seen[acct.ID] = true
		if acct.TradingType != TradingLinear && acct.TradingType != TradingInverse {
			return fmt.Errorf("config: account %s: unknown trading type %q", acct.ID, acct.TradingType)
		}
		if len(acct.Symbols) == 0 {
			return fmt.Errorf("config: account %s: symbol universe is empty", acct.ID)
		}
		if acct.PositionSize <= 0 {
			return fmt.Errorf("config: account %s: position_size must be positive", acct.ID)
		}
	}

	ratios := c.BatchEntryConfig.BatchRatios
	if len(ratios) == 0 {
		return fmt.Errorf("config: batch_entry.batch_ratios must not be empty")
	}
	sum := 0.0
	for _, r := range ratios {
		if r <= 0 {
			return fmt.Errorf("config: batch ratio must be positive, got %v", r)
		}
		sum += r
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: batch ratios must sum to 1.0, got %v", sum)
	}
	if len(c.BatchEntryConfig.BatchDeadlinesMinutes) != len(ratios) {
		return fmt.Errorf("config: batch deadlines must match batch ratios")
	}

	if _, err := ParseRunAt(c.OptimizerConfig.RunAt); err != nil {
		return fmt.Errorf("config: optimizer.run_at: %w", err)
	}
	return nil
}

// ParseRunAt parses a "HH:MM" wall-clock string.
func ParseRunAt(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func defaultConfig() *Config {
	return &Config{
		TradingEnabled: true,
		ScannerConfig: ScannerConfig{
			Enabled:            true,
			ScanIntervalSecond: 300,
			MaxConcurrent:      8,
		},
		BatchEntryConfig: BatchEntryConfig{
			Enabled:                true,
			BatchRatios:            []float64{0.3, 0.3, 0.4},
			TimeWindowMinutes:      30,
			BatchDeadlinesMinutes:  []int{15, 20, 28},
			SamplingWindowSeconds:  300,
			SamplingIntervalSecond: 10,
			MinSamples:             10,
			InterBatchGapMinutes:   2,
			AdverseMovePercent:     2.0,
		},
		SmartExitConfig: SmartExitConfig{
			Enabled:                 true,
			HighProfitTriggerPct:    3.0,
			HighProfitRetracePct:    0.5,
			MidProfitTriggerPct:     1.0,
			MidProfitRetracePct:     0.4,
			QuickCloseProfitPct:     1.0,
			QuickCloseAgeFraction:   0.6,
			BreakEvenPeakPct:        0.3,
			BreakEvenBandLowPct:     -0.5,
			BreakEvenBandHighPct:    0.2,
			ExtensionMinutes:        30,
			WatchdogIntervalSeconds: 10,
			UnrealizedFlushSeconds:  15,
		},
		AdaptiveConfig: AdaptiveConfig{
			Long: AdaptiveSideConfig{
				StopLossPct:            3.0,
				TakeProfitPct:          5.0,
				MinHoldingMinutes:      30,
				MaxHoldingMinutes:      240,
				PositionSizeMultiplier: 1.0,
			},
			Short: AdaptiveSideConfig{
				StopLossPct:            3.0,
				TakeProfitPct:          5.0,
				MinHoldingMinutes:      30,
				MaxHoldingMinutes:      180,
				PositionSizeMultiplier: 1.0,
			},
		},
		OptimizerConfig: OptimizerConfig{
			Enabled:      true,
			RunAt:        "02:00",
			LookbackDays: 7,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading_engine",
			Database: "trading_engine",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		StatusServerConfig: StatusServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
		},
		CircuitConfig: CircuitConfig{
			Enabled:              true,
			MaxConsecutiveLosses: 5,
			MaxDailyLoss:         5.0,
			CooldownMinutes:      30,
		},
		ExchangeConfig: ExchangeConfig{
			TimeoutSecond: 10,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.APIKey = getEnv("EXCHANGE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnv("EXCHANGE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.BaseURL = getEnv("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.WSBaseURL = getEnv("EXCHANGE_WS_URL", cfg.ExchangeConfig.WSBaseURL)

	cfg.DatabaseConfig.Host = getEnv("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnv("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnv("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnv("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnv("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Address = getEnv("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnv("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.VaultConfig.Address = getEnv("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnv("VAULT_TOKEN", cfg.VaultConfig.Token)

	cfg.NotificationConfig.Telegram.BotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnv("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.WebhookURL = getEnv("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	if v := os.Getenv("DRY_RUN"); v != "" {
		cfg.DryRun = v == "true" || v == "1"
	}
	if v := os.Getenv("TRADING_ENABLED"); v != "" {
		cfg.TradingEnabled = v == "true" || v == "1"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
