// Package config loads engine configuration from config.json with environment
// variable overrides. Environment values take precedence over the file.
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
	Engine   EngineConfig   `json:"engine"`
	Broker   BrokerConfig   `json:"broker"`
	Risk     RiskConfig     `json:"risk"`
	Audit    AuditConfig    `json:"audit"`
	Alerts   AlertsConfig   `json:"alerts"`
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Vault    VaultConfig    `json:"vault"`
	Logging  LoggingConfig  `json:"logging"`
}

// EngineConfig holds trading loop settings.
type EngineConfig struct {
	Symbols      []string      `json:"symbols"`
	TickInterval time.Duration `json:"tick_interval"`

	// ArmKeyHash is the bcrypt hash of the live-trading confirmation key.
	ArmKeyHash string `json:"arm_key_hash"`
}

// BrokerConfig selects the execution venue.
type BrokerConfig struct {
	Venue string `json:"venue"` // "sim" or a live venue name
	Paper bool   `json:"paper"`

	// Sim settings. Ignored for live venues.
	InitialCash    float64 `json:"initial_cash"`
	CommissionRate float64 `json:"commission_rate"`
	SlippagePct    float64 `json:"slippage_pct"`
}

// RiskConfig holds gate policy settings.
type RiskConfig struct {
	MaxPositionSizePct   float64       `json:"max_position_size_pct"`
	MaxTotalExposurePct  float64       `json:"max_total_exposure_pct"`
	MaxPositions         int           `json:"max_positions"`
	DailyLossLimitPct    float64       `json:"daily_loss_limit_pct"`
	MinAvgVolume         int64         `json:"min_avg_volume"`
	RequiredStopLoss     bool          `json:"required_stop_loss"`
	MinStopLossPct       float64       `json:"min_stop_loss_pct"`
	MinTakeProfitPct     float64       `json:"min_take_profit_pct"`
	CircuitBreakerLosses int           `json:"circuit_breaker_losses"`
	AllowedSymbols       []string      `json:"allowed_symbols"`
	VolumeStaleness      time.Duration `json:"volume_staleness"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Dir string `json:"dir"`
}

// AlertsConfig holds alert channel settings.
type AlertsConfig struct {
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

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowOrigins   []string `json:"allow_origins"`
	JWTSecret      string   `json:"jwt_secret"`
	ConfirmKeyHash string   `json:"confirm_key_hash"`
}

// DatabaseConfig holds PostgreSQL settings. Disabled means the in-memory
// ledger runs without a durability mirror.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis settings for the stale-order tracker.
type RedisConfig struct {
	Enabled      bool          `json:"enabled"`
	Addr         string        `json:"addr"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	OrderTimeout time.Duration `json:"order_timeout"`
}

// VaultConfig holds HashiCorp Vault settings for broker credentials.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LoggingConfig holds zerolog settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load reads config.json if present, then applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
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

func applyEnvOverrides(cfg *Config) {
	// Engine
	if v := os.Getenv("ENGINE_SYMBOLS"); v != "" {
		cfg.Engine.Symbols = strings.Split(v, ",")
	}
	cfg.Engine.TickInterval = getEnvDurationOrDefault("ENGINE_TICK_INTERVAL", cfg.Engine.TickInterval)
	cfg.Engine.ArmKeyHash = getEnvOrDefault("ENGINE_ARM_KEY_HASH", cfg.Engine.ArmKeyHash)

	// Broker
	cfg.Broker.Venue = getEnvOrDefault("BROKER_VENUE", cfg.Broker.Venue)
	if v := os.Getenv("BROKER_PAPER"); v != "" {
		cfg.Broker.Paper = v == "true"
	}

	// Risk
	cfg.Risk.MaxPositionSizePct = getEnvFloatOrDefault("RISK_MAX_POSITION_SIZE_PCT", cfg.Risk.MaxPositionSizePct)
	cfg.Risk.MaxTotalExposurePct = getEnvFloatOrDefault("RISK_MAX_TOTAL_EXPOSURE_PCT", cfg.Risk.MaxTotalExposurePct)
	cfg.Risk.MaxPositions = getEnvIntOrDefault("RISK_MAX_POSITIONS", cfg.Risk.MaxPositions)
	cfg.Risk.DailyLossLimitPct = getEnvFloatOrDefault("RISK_DAILY_LOSS_LIMIT_PCT", cfg.Risk.DailyLossLimitPct)
	cfg.Risk.CircuitBreakerLosses = getEnvIntOrDefault("RISK_CIRCUIT_BREAKER_LOSSES", cfg.Risk.CircuitBreakerLosses)
	if v := os.Getenv("RISK_ALLOWED_SYMBOLS"); v != "" {
		cfg.Risk.AllowedSymbols = strings.Split(v, ",")
	}

	// Audit
	cfg.Audit.Dir = getEnvOrDefault("AUDIT_DIR", cfg.Audit.Dir)

	// Alerts
	if v := os.Getenv("ALERTS_ENABLED"); v != "" {
		cfg.Alerts.Enabled = v == "true"
	}
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.Alerts.Telegram.Enabled = v == "true"
	}
	cfg.Alerts.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Alerts.Telegram.BotToken)
	cfg.Alerts.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Alerts.Telegram.ChatID)
	if v := os.Getenv("DISCORD_ENABLED"); v != "" {
		cfg.Alerts.Discord.Enabled = v == "true"
	}
	cfg.Alerts.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Alerts.Discord.WebhookURL)

	// Server
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", cfg.Server.Port)
	if v := os.Getenv("SERVER_PRODUCTION"); v != "" {
		cfg.Server.ProductionMode = v == "true"
	}
	cfg.Server.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.ConfirmKeyHash = getEnvOrDefault("AUTH_CONFIRM_KEY_HASH", cfg.Server.ConfirmKeyHash)

	// Database
	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.Database.Enabled = v == "true"
	}
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	// Redis
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true"
	}
	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.OrderTimeout = getEnvDurationOrDefault("REDIS_ORDER_TIMEOUT", cfg.Redis.OrderTimeout)

	// Vault
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.Vault.Enabled = v == "true"
	}
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.Logging.Pretty = v == "true"
	}
}

func applyDefaults(cfg *Config) {
	if len(cfg.Engine.Symbols) == 0 {
		cfg.Engine.Symbols = []string{"AAPL", "MSFT", "SPY"}
	}
	if cfg.Engine.TickInterval <= 0 {
		cfg.Engine.TickInterval = 10 * time.Second
	}
	if cfg.Broker.Venue == "" {
		cfg.Broker.Venue = "sim"
	}
	if cfg.Broker.InitialCash <= 0 {
		cfg.Broker.InitialCash = 100_000
	}
	if cfg.Risk.MaxPositionSizePct <= 0 {
		cfg.Risk.MaxPositionSizePct = 0.01
	}
	if cfg.Risk.MaxTotalExposurePct <= 0 {
		cfg.Risk.MaxTotalExposurePct = 0.05
	}
	if cfg.Risk.MaxPositions <= 0 {
		cfg.Risk.MaxPositions = 3
	}
	if cfg.Risk.DailyLossLimitPct <= 0 {
		cfg.Risk.DailyLossLimitPct = 0.03
	}
	if cfg.Risk.MinAvgVolume <= 0 {
		cfg.Risk.MinAvgVolume = 1_000_000
	}
	if cfg.Risk.MinStopLossPct <= 0 {
		cfg.Risk.MinStopLossPct = 0.02
	}
	if cfg.Risk.MinTakeProfitPct <= 0 {
		cfg.Risk.MinTakeProfitPct = 0.03
	}
	if cfg.Risk.CircuitBreakerLosses <= 0 {
		cfg.Risk.CircuitBreakerLosses = 3
	}
	if cfg.Risk.VolumeStaleness <= 0 {
		cfg.Risk.VolumeStaleness = 24 * time.Hour
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "audit_logs"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port <= 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.OrderTimeout <= 0 {
		cfg.Redis.OrderTimeout = 3 * time.Minute
	}
	if cfg.Vault.Address == "" {
		cfg.Vault.Address = "http://localhost:8200"
	}
	if cfg.Vault.MountPath == "" {
		cfg.Vault.MountPath = "secret"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
