package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marginbot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Account
	AccountName    string
	InitialBalance float64

	// Risk Parameters
	DailyTradesLimit int
	MaxPositionSize  float64 // Max margin committed to one position
	RiskPerTrade     float64 // Fraction of balance risked per trade
	DefaultLeverage  int
	MaxLeverage      int
	FeeRate          float64 // Entry fee as a fraction of margin (e.g., 0.02)
	StopLossPct      float64 // Stop-loss offset from entry (e.g., 0.02 for 2%)
	TargetPct        float64 // Target offset from entry (e.g., 0.06 for 6%)
	MinConfidence    float64 // Minimum signal confidence (0-100)
	MaxHoldingHours  int     // Force-close positions held longer than this

	// Margin health thresholds (margin usage ratio in [0,1])
	MarginCallThreshold  float64
	LiquidationThreshold float64

	// Sweep cadences
	SweepInterval   time.Duration // Price/margin sweep (default 10s)
	RefreshInterval time.Duration // Reconcile + snapshot refresh (default 10m)

	// Symbols the price feed is polled for
	Symbols []string

	// Binance price feed
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string // "text" (standard logger) or "json" (zap)
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Account
	cfg.AccountName = getEnv("ACCOUNT_NAME", "default")
	cfg.InitialBalance, err = getEnvAsFloatRequired("INITIAL_BALANCE", 10000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_BALANCE: %v", err))
	} else if cfg.InitialBalance <= 0 {
		errs = append(errs, "INITIAL_BALANCE must be positive")
	}

	// Risk Parameters
	cfg.DailyTradesLimit, err = getEnvAsIntRequired("DAILY_TRADES_LIMIT", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DAILY_TRADES_LIMIT: %v", err))
	} else if cfg.DailyTradesLimit <= 0 {
		errs = append(errs, "DAILY_TRADES_LIMIT must be positive")
	}

	cfg.MaxPositionSize, err = getEnvAsFloatRequired("MAX_POSITION_SIZE", 1000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_SIZE: %v", err))
	} else if cfg.MaxPositionSize <= 0 {
		errs = append(errs, "MAX_POSITION_SIZE must be positive")
	}

	cfg.RiskPerTrade, err = getEnvAsFloatRequired("RISK_PER_TRADE", 0.1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_PER_TRADE: %v", err))
	} else if cfg.RiskPerTrade <= 0 || cfg.RiskPerTrade >= 1.0 {
		errs = append(errs, "RISK_PER_TRADE must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.DefaultLeverage, err = getEnvAsIntRequired("DEFAULT_LEVERAGE", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_LEVERAGE: %v", err))
	} else if cfg.DefaultLeverage < 1 {
		errs = append(errs, "DEFAULT_LEVERAGE must be at least 1")
	}

	cfg.MaxLeverage, err = getEnvAsIntRequired("MAX_LEVERAGE", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_LEVERAGE: %v", err))
	} else if cfg.MaxLeverage < 1 {
		errs = append(errs, "MAX_LEVERAGE must be at least 1")
	}
	if cfg.DefaultLeverage > cfg.MaxLeverage {
		errs = append(errs, "DEFAULT_LEVERAGE must not exceed MAX_LEVERAGE")
	}

	cfg.FeeRate, err = getEnvAsFloatRequired("FEE_RATE", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid FEE_RATE: %v", err))
	} else if cfg.FeeRate < 0 || cfg.FeeRate >= 1.0 {
		errs = append(errs, "FEE_RATE must be in [0.0, 1.0)")
	}

	cfg.StopLossPct, err = getEnvAsFloatRequired("STOP_LOSS_PCT", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	} else if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1.0 {
		errs = append(errs, "STOP_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.TargetPct, err = getEnvAsFloatRequired("TARGET_PCT", 0.06)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TARGET_PCT: %v", err))
	} else if cfg.TargetPct <= 0 || cfg.TargetPct >= 1.0 {
		errs = append(errs, "TARGET_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.MinConfidence = getEnvAsFloat("MIN_CONFIDENCE", 60.0)
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 100 {
		errs = append(errs, "MIN_CONFIDENCE must be between 0 and 100")
	}

	cfg.MaxHoldingHours = getEnvAsInt("MAX_HOLDING_HOURS", 48)
	if cfg.MaxHoldingHours <= 0 {
		errs = append(errs, "MAX_HOLDING_HOURS must be positive")
	}

	// Margin health thresholds
	cfg.MarginCallThreshold = getEnvAsFloat("MARGIN_CALL_THRESHOLD", 0.8)
	cfg.LiquidationThreshold = getEnvAsFloat("LIQUIDATION_THRESHOLD", 0.95)
	if cfg.MarginCallThreshold <= 0 || cfg.MarginCallThreshold >= cfg.LiquidationThreshold || cfg.LiquidationThreshold > 1.0 {
		errs = append(errs, "thresholds must satisfy 0 < MARGIN_CALL_THRESHOLD < LIQUIDATION_THRESHOLD <= 1")
	}

	// Sweep cadences
	sweepSeconds := getEnvAsInt("SWEEP_INTERVAL_SECONDS", 10)
	if sweepSeconds <= 0 {
		errs = append(errs, "SWEEP_INTERVAL_SECONDS must be positive")
	}
	cfg.SweepInterval = time.Duration(sweepSeconds) * time.Second

	refreshMinutes := getEnvAsInt("REFRESH_INTERVAL_MINUTES", 10)
	if refreshMinutes <= 0 {
		errs = append(errs, "REFRESH_INTERVAL_MINUTES must be positive")
	}
	cfg.RefreshInterval = time.Duration(refreshMinutes) * time.Minute

	// Symbols
	symbolsStr := getEnv("SYMBOLS", "BTCUSDT")
	for _, s := range strings.Split(symbolsStr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Symbols = append(cfg.Symbols, s)
		}
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}

	// Binance price feed (keys optional: ticker endpoints are public)
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Database (missing persistence configuration is fatal at startup)
	cfg.DBPath = getEnv("DB_PATH", "./data/marginbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be 'text' or 'json'")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
