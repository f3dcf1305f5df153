package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AccountsConfig     AccountsConfig     `json:"accounts"`
	BrokerConfig       BrokerConfig       `json:"broker"`
	RiskConfig         RiskConfig         `json:"risk"`
	BreakerConfig      BreakerConfig      `json:"circuit_breaker"`
	BatchConfig        BatchConfig        `json:"batch"`
	RebalanceConfig    RebalanceConfig    `json:"rebalance"`
	EngineConfig       EngineConfig       `json:"engine"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	VaultConfig        VaultConfig        `json:"vault"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// AccountConfig describes one brokerage account in the fleet.
type AccountConfig struct {
	Name           string  `json:"name"`
	APIKey         string  `json:"api_key"`
	APISecret      string  `json:"api_secret"`
	ExecutionDelay float64 `json:"execution_delay_sec"` // artificial submit stagger
	QtyMultiplier  float64 `json:"qty_multiplier"`      // share-distribution weight, 0 = 1.0
}

type AccountsConfig struct {
	Accounts       []AccountConfig `json:"accounts"`
	Primary        string          `json:"primary"`
	RefreshTTL     time.Duration   `json:"refresh_ttl"`
	LowBalanceMin  float64         `json:"low_balance_min"`  // cash floor for the reduced multiplier
	LowBalanceMult float64         `json:"low_balance_mult"` // multiplier applied below the floor
	MirrorToRedis  bool            `json:"mirror_to_redis"`  // publish snapshots for standby inspection
}

type BrokerConfig struct {
	TradingURL     string  `json:"trading_url"`
	DataURL        string  `json:"data_url"`
	StreamURL      string  `json:"stream_url"`
	RequestsPerSec float64 `json:"requests_per_sec"`
	RetryAttempts  int     `json:"retry_attempts"`
	RetryBaseMs    int     `json:"retry_base_ms"`
	RetryMaxMs     int     `json:"retry_max_ms"`
	StreamEnabled  bool    `json:"stream_enabled"`
	PaperMode      bool    `json:"paper_mode"` // in-memory mock clients, no network
}

type RiskConfig struct {
	MaxPositionSize       float64 `json:"max_position_size"`       // fraction of equity per position
	MaxTotalExposure      float64 `json:"max_total_exposure"`      // fraction of equity across positions
	StopLossPct           float64 `json:"stop_loss_pct"`
	TakeProfitPct         float64 `json:"take_profit_pct"`
	TrailingStopPct       float64 `json:"trailing_stop_pct"`       // distance below the high-water mark, 0 disables
	TrailingActivationPct float64 `json:"trailing_activation_pct"` // profit fraction that arms the trail
	MaxDayTrades          int     `json:"max_day_trades"`
	MaxDailyLoss          float64 `json:"max_daily_loss"`          // fraction of starting equity
	MaxConsecutiveLosses  int     `json:"max_consecutive_losses"`
	MaxErrorCount         int     `json:"max_error_count"`
	KellyEnabled          bool    `json:"kelly_enabled"`
	BaseFraction          float64 `json:"base_fraction"`           // fallback sizing fraction
}

// DomainBreakerConfig configures one call-domain breaker.
type DomainBreakerConfig struct {
	FailureThreshold   int `json:"failure_threshold"`
	RecoveryTimeoutSec int `json:"recovery_timeout_sec"`
}

type BreakerConfig struct {
	Trading DomainBreakerConfig `json:"trading"`
	Data    DomainBreakerConfig `json:"data"`
}

type BatchConfig struct {
	ExecutionWindowSec int `json:"execution_window_sec"`
	MaxWorkers         int `json:"max_workers"`
}

type RebalanceConfig struct {
	Enabled       bool               `json:"enabled"`
	Threshold     float64            `json:"threshold"`      // weight deviation that triggers a rebalance
	MinInterval   time.Duration      `json:"min_interval"`
	MinTradeValue float64            `json:"min_trade_value"`
	Targets       map[string]float64 `json:"targets"` // symbol -> target weight
}

type EngineConfig struct {
	CycleInterval     time.Duration `json:"cycle_interval"`
	MaxTradesPerCycle int           `json:"max_trades_per_cycle"`
}

type DatabaseConfig struct {
	Enabled     bool   `json:"enabled"`
	DatabaseURL string `json:"database_url"`
	MaxConns    int    `json:"max_conns"`
	MinConns    int    `json:"min_conns"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type NotificationConfig struct {
	Enabled  bool          `json:"enabled"`
	Slack    SlackConfig   `json:"slack"`
	Cooldown time.Duration `json:"cooldown"` // per-title suppression window
}

type SlackConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

type AuthConfig struct {
	JWTSecret            string        `json:"jwt_secret"`
	TokenDuration        time.Duration `json:"token_duration"`
	OperatorPasswordHash string        `json:"operator_password_hash"` // bcrypt
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Per-account API
// credentials are NOT read here; they come from Vault or FLEET_<NAME>_* at
// credential-resolution time.
func applyEnvOverrides(cfg *Config) {
	cfg.BrokerConfig.TradingURL = getEnvOrDefault("BROKER_TRADING_URL", cfg.BrokerConfig.TradingURL)
	cfg.BrokerConfig.DataURL = getEnvOrDefault("BROKER_DATA_URL", cfg.BrokerConfig.DataURL)
	cfg.BrokerConfig.StreamURL = getEnvOrDefault("BROKER_STREAM_URL", cfg.BrokerConfig.StreamURL)
	if v := os.Getenv("BROKER_PAPER_MODE"); v != "" {
		cfg.BrokerConfig.PaperMode = v == "true"
	}
	if v := os.Getenv("BROKER_STREAM_ENABLED"); v != "" {
		cfg.BrokerConfig.StreamEnabled = v == "true"
	}

	cfg.AccountsConfig.Primary = getEnvOrDefault("FLEET_PRIMARY_ACCOUNT", cfg.AccountsConfig.Primary)

	cfg.RiskConfig.MaxPositionSize = getEnvFloatOrDefault("RISK_MAX_POSITION_SIZE", cfg.RiskConfig.MaxPositionSize)
	cfg.RiskConfig.MaxTotalExposure = getEnvFloatOrDefault("RISK_MAX_TOTAL_EXPOSURE", cfg.RiskConfig.MaxTotalExposure)
	cfg.RiskConfig.MaxDailyLoss = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", cfg.RiskConfig.MaxDailyLoss)
	cfg.RiskConfig.MaxDayTrades = getEnvIntOrDefault("RISK_MAX_DAY_TRADES", cfg.RiskConfig.MaxDayTrades)
	if v := os.Getenv("RISK_KELLY_ENABLED"); v != "" {
		cfg.RiskConfig.KellyEnabled = v == "true"
	}

	cfg.BatchConfig.ExecutionWindowSec = getEnvIntOrDefault("BATCH_EXECUTION_WINDOW_SEC", cfg.BatchConfig.ExecutionWindowSec)

	cfg.DatabaseConfig.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.DatabaseURL)
	if cfg.DatabaseConfig.DatabaseURL != "" {
		cfg.DatabaseConfig.Enabled = true
	}

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	if cfg.RedisConfig.Address != "" {
		cfg.RedisConfig.Enabled = true
	}

	cfg.NotificationConfig.Slack.WebhookURL = getEnvOrDefault("SLACK_WEBHOOK_URL", cfg.NotificationConfig.Slack.WebhookURL)
	if cfg.NotificationConfig.Slack.WebhookURL != "" {
		cfg.NotificationConfig.Enabled = true
		cfg.NotificationConfig.Slack.Enabled = true
	}

	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)

	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	if cfg.VaultConfig.Address != "" && cfg.VaultConfig.Token != "" {
		cfg.VaultConfig.Enabled = true
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.LoggingConfig.Pretty = v == "true"
	}
}

// applyDefaults fills anything the file and environment left unset. The
// numeric defaults are the production values the system has run with.
func applyDefaults(cfg *Config) {
	if cfg.BrokerConfig.TradingURL == "" {
		cfg.BrokerConfig.TradingURL = "https://paper-api.alpaca.markets"
	}
	if cfg.BrokerConfig.DataURL == "" {
		cfg.BrokerConfig.DataURL = "https://data.alpaca.markets"
	}
	if cfg.BrokerConfig.StreamURL == "" {
		cfg.BrokerConfig.StreamURL = "wss://paper-api.alpaca.markets/stream"
	}
	if cfg.BrokerConfig.RequestsPerSec <= 0 {
		cfg.BrokerConfig.RequestsPerSec = 3
	}
	if cfg.BrokerConfig.RetryAttempts <= 0 {
		cfg.BrokerConfig.RetryAttempts = 3
	}
	if cfg.BrokerConfig.RetryBaseMs <= 0 {
		cfg.BrokerConfig.RetryBaseMs = 250
	}
	if cfg.BrokerConfig.RetryMaxMs <= 0 {
		cfg.BrokerConfig.RetryMaxMs = 2000
	}

	if len(cfg.AccountsConfig.Accounts) == 0 {
		cfg.AccountsConfig.Accounts = []AccountConfig{
			{Name: "PRIMARY_30K", ExecutionDelay: 0.0},
			{Name: "SECONDARY_30K", ExecutionDelay: 0.5},
			{Name: "TERTIARY_30K", ExecutionDelay: 1.0},
		}
	}
	if cfg.AccountsConfig.Primary == "" {
		cfg.AccountsConfig.Primary = cfg.AccountsConfig.Accounts[0].Name
	}
	if cfg.AccountsConfig.RefreshTTL <= 0 {
		cfg.AccountsConfig.RefreshTTL = 30 * time.Second
	}
	if cfg.AccountsConfig.LowBalanceMin <= 0 {
		cfg.AccountsConfig.LowBalanceMin = 20000
	}
	if cfg.AccountsConfig.LowBalanceMult <= 0 {
		cfg.AccountsConfig.LowBalanceMult = 0.7
	}

	if cfg.RiskConfig.MaxPositionSize == 0 {
		cfg.RiskConfig.MaxPositionSize = 0.15
	}
	if cfg.RiskConfig.MaxTotalExposure == 0 {
		cfg.RiskConfig.MaxTotalExposure = 0.75
	}
	if cfg.RiskConfig.StopLossPct == 0 {
		cfg.RiskConfig.StopLossPct = 0.05
	}
	if cfg.RiskConfig.TakeProfitPct == 0 {
		cfg.RiskConfig.TakeProfitPct = 0.10
	}
	if cfg.RiskConfig.MaxDayTrades == 0 {
		cfg.RiskConfig.MaxDayTrades = 3
	}
	if cfg.RiskConfig.MaxDailyLoss == 0 {
		cfg.RiskConfig.MaxDailyLoss = 0.03
	}
	if cfg.RiskConfig.MaxConsecutiveLosses == 0 {
		cfg.RiskConfig.MaxConsecutiveLosses = 5
	}
	if cfg.RiskConfig.MaxErrorCount == 0 {
		cfg.RiskConfig.MaxErrorCount = 10
	}
	if cfg.RiskConfig.BaseFraction == 0 {
		cfg.RiskConfig.BaseFraction = 0.10
	}

	if cfg.BreakerConfig.Trading.FailureThreshold == 0 {
		cfg.BreakerConfig.Trading.FailureThreshold = 5
	}
	if cfg.BreakerConfig.Trading.RecoveryTimeoutSec == 0 {
		cfg.BreakerConfig.Trading.RecoveryTimeoutSec = 300
	}
	if cfg.BreakerConfig.Data.FailureThreshold == 0 {
		cfg.BreakerConfig.Data.FailureThreshold = 3
	}
	if cfg.BreakerConfig.Data.RecoveryTimeoutSec == 0 {
		cfg.BreakerConfig.Data.RecoveryTimeoutSec = 120
	}

	if cfg.BatchConfig.ExecutionWindowSec == 0 {
		cfg.BatchConfig.ExecutionWindowSec = 30
	}
	if cfg.BatchConfig.MaxWorkers == 0 {
		cfg.BatchConfig.MaxWorkers = 8
	}

	if cfg.RebalanceConfig.Threshold == 0 {
		cfg.RebalanceConfig.Threshold = 0.05
	}
	if cfg.RebalanceConfig.MinInterval == 0 {
		cfg.RebalanceConfig.MinInterval = 4 * time.Hour
	}
	if cfg.RebalanceConfig.MinTradeValue == 0 {
		cfg.RebalanceConfig.MinTradeValue = 100
	}

	if cfg.EngineConfig.CycleInterval == 0 {
		cfg.EngineConfig.CycleInterval = 5 * time.Minute
	}
	if cfg.EngineConfig.MaxTradesPerCycle == 0 {
		cfg.EngineConfig.MaxTradesPerCycle = 2
	}

	if cfg.DatabaseConfig.MaxConns == 0 {
		cfg.DatabaseConfig.MaxConns = 25
	}
	if cfg.DatabaseConfig.MinConns == 0 {
		cfg.DatabaseConfig.MinConns = 5
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.NotificationConfig.Cooldown == 0 {
		cfg.NotificationConfig.Cooldown = 15 * time.Minute
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 30
	}

	if cfg.AuthConfig.TokenDuration == 0 {
		cfg.AuthConfig.TokenDuration = 15 * time.Minute
	}

	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "fleet-trader/accounts"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// Validate enforces the configuration ranges the risk layer depends on.
// A config that fails validation never reaches the trading loop.
func (c *Config) Validate() error {
	r := c.RiskConfig
	if r.MaxPositionSize < 0.01 || r.MaxPositionSize > 1.0 {
		return fmt.Errorf("config: max_position_size %.4f outside [0.01, 1.0]", r.MaxPositionSize)
	}
	if r.MaxTotalExposure < r.MaxPositionSize {
		return fmt.Errorf("config: max_total_exposure %.4f below max_position_size %.4f", r.MaxTotalExposure, r.MaxPositionSize)
	}
	if r.MaxDailyLoss <= 0 || r.MaxDailyLoss >= 1 {
		return fmt.Errorf("config: max_daily_loss %.4f outside (0, 1)", r.MaxDailyLoss)
	}
	if r.MaxDayTrades < 0 {
		return fmt.Errorf("config: max_day_trades %d negative", r.MaxDayTrades)
	}
	if r.StopLossPct < 0 || r.TakeProfitPct < 0 {
		return fmt.Errorf("config: negative stop_loss_pct or take_profit_pct")
	}
	if r.TrailingStopPct < 0 || r.TrailingStopPct >= 1 {
		return fmt.Errorf("config: trailing_stop_pct %.4f outside [0, 1)", r.TrailingStopPct)
	}
	if r.TrailingActivationPct < 0 {
		return fmt.Errorf("config: trailing_activation_pct %.4f negative", r.TrailingActivationPct)
	}

	if c.BreakerConfig.Trading.FailureThreshold < 1 || c.BreakerConfig.Data.FailureThreshold < 1 {
		return fmt.Errorf("config: breaker failure_threshold must be >= 1")
	}
	if c.BreakerConfig.Trading.RecoveryTimeoutSec < 1 || c.BreakerConfig.Data.RecoveryTimeoutSec < 1 {
		return fmt.Errorf("config: breaker recovery_timeout_sec must be >= 1")
	}

	if c.BatchConfig.ExecutionWindowSec < 1 {
		return fmt.Errorf("config: execution_window_sec must be >= 1")
	}
	if c.BatchConfig.MaxWorkers < 1 {
		return fmt.Errorf("config: batch max_workers must be >= 1")
	}

	if c.RebalanceConfig.Threshold <= 0 || c.RebalanceConfig.Threshold >= 1 {
		return fmt.Errorf("config: rebalance threshold %.4f outside (0, 1)", c.RebalanceConfig.Threshold)
	}
	var totalWeight float64
	for symbol, w := range c.RebalanceConfig.Targets {
		if w < 0 || w > 1 {
			return fmt.Errorf("config: rebalance target for %s outside [0, 1]", symbol)
		}
		totalWeight += w
	}
	if totalWeight > 1.0001 {
		return fmt.Errorf("config: rebalance target weights sum to %.4f (> 1)", totalWeight)
	}

	if len(c.AccountsConfig.Accounts) == 0 {
		return fmt.Errorf("config: no accounts configured")
	}
	seen := make(map[string]bool, len(c.AccountsConfig.Accounts))
	for _, acct := range c.AccountsConfig.Accounts {
		name := strings.TrimSpace(acct.Name)
		if name == "" {
			return fmt.Errorf("config: account with empty name")
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate account name %q", name)
		}
		seen[name] = true
		if acct.ExecutionDelay < 0 {
			return fmt.Errorf("config: account %q has negative execution delay", name)
		}
	}
	if !seen[c.AccountsConfig.Primary] {
		return fmt.Errorf("config: primary account %q not in accounts list", c.AccountsConfig.Primary)
	}

	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file with the
// three-account paper setup.
func GenerateSampleConfig(filename string) error {
	config := Config{
		AccountsConfig: AccountsConfig{
			Accounts: []AccountConfig{
				{Name: "PRIMARY_30K", ExecutionDelay: 0.0},
				{Name: "SECONDARY_30K", ExecutionDelay: 0.5},
				{Name: "TERTIARY_30K", ExecutionDelay: 1.0, QtyMultiplier: 1.15},
			},
			Primary:        "PRIMARY_30K",
			RefreshTTL:     30 * time.Second,
			LowBalanceMin:  20000,
			LowBalanceMult: 0.7,
		},
		BrokerConfig: BrokerConfig{
			TradingURL: "https://paper-api.alpaca.markets",
			DataURL:    "https://data.alpaca.markets",
			StreamURL:  "wss://paper-api.alpaca.markets/stream",
			PaperMode:  true,
		},
		RiskConfig: RiskConfig{
			MaxPositionSize:       0.15,
			MaxTotalExposure:      0.75,
			StopLossPct:           0.05,
			TakeProfitPct:         0.10,
			TrailingStopPct:       0,
			TrailingActivationPct: 0.05,
			MaxDayTrades:          3,
			MaxDailyLoss:          0.03,
			MaxConsecutiveLosses:  5,
			MaxErrorCount:         10,
			KellyEnabled:          true,
			BaseFraction:          0.10,
		},
		BreakerConfig: BreakerConfig{
			Trading: DomainBreakerConfig{FailureThreshold: 5, RecoveryTimeoutSec: 300},
			Data:    DomainBreakerConfig{FailureThreshold: 3, RecoveryTimeoutSec: 120},
		},
		BatchConfig: BatchConfig{
			ExecutionWindowSec: 30,
			MaxWorkers:         8,
		},
		RebalanceConfig: RebalanceConfig{
			Enabled:       false,
			Threshold:     0.05,
			MinInterval:   4 * time.Hour,
			MinTradeValue: 100,
			Targets:       map[string]float64{},
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
