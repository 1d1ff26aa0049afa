package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradeGuard/internal/adapters/logger"
	"tradeGuard/internal/lifecycle"
	"tradeGuard/internal/risk"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// PaperTrading routes orders to the in-process paper broker while still
	// consuming live market data.
	PaperTrading  bool
	PaperBalance  float64
	KlineInterval string

	// Instrument
	Symbol        string
	PipSize       float64
	PipValue      float64 // Account-currency value of one pip for PipValueUnits units
	PipValueUnits float64
	MinVolume     float64
	MaxVolume     float64
	VolumeStep    float64

	// Exchange order formatting
	QuantityPrecision int
	PricePrecision    int

	// Risk gate
	DailyLossLimit         float64 // Negative fraction of session start equity, e.g. -0.01
	DrawdownLimit          float64 // Negative fraction of the equity peak, e.g. -0.02
	MaxConcurrentPositions int

	// Daily budget
	Timezone        string
	Location        *time.Location
	MaxTradesPerDay int
	DailyMaxLoss    float64 // Positive fraction of balance

	// Entry
	RiskPerTrade     float64
	RewardRisk       float64
	MaxSpreadPips    float64
	SpreadPips       float64 // Spread added to kline closes to form the ask
	SessionStartHour int
	SessionEndHour   int

	// Position management
	ForceExitAtSessionEnd bool
	BreakevenMultiplier   float64
	BreakevenPaddingPips  float64
	PartialMultiplier     float64
	PartialPercent        float64
	ATRStopMultiplier     float64
	StopPadPips           float64
	MinStopPips           float64
	MaxBarsInTrade        int
	ExitLongOscillator    float64
	ExitShortOscillator   float64

	// Indicators
	FastMAPeriod int
	SlowMAPeriod int
	ATRPeriod    int
	RSIPeriod    int

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string // console or json

	// Metrics
	MetricsAddr string // Empty disables the endpoint

	// Execution guards
	OrdersPerSecond float64 // 0 disables rate limiting
	BreakerFailures int     // Consecutive failures before the breaker opens; 0 disables it
	BreakerCooldown time.Duration

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Warnings collects non-fatal configuration findings for the caller to log.
	Warnings []string
}

// LoadConfig loads configuration from environment variables (.env file).
// Binance credentials are required unless PAPER_TRADING is set.
func LoadConfig() (*Config, error) {
	return load(true)
}

// LoadOfflineConfig loads configuration for tools that never talk to the exchange.
func LoadOfflineConfig() (*Config, error) {
	return load(false)
}

func load(live bool) (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.PaperTrading = getEnvAsBool("PAPER_TRADING", false)
	cfg.PaperBalance = getEnvAsFloat("PAPER_BALANCE", 10000)
	cfg.KlineInterval = getEnv("KLINE_INTERVAL", "1m")

	if live && !cfg.PaperTrading {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set")
		}
	}
	if cfg.PaperTrading && cfg.PaperBalance <= 0 {
		errs = append(errs, "PAPER_BALANCE must be positive")
	}

	// Instrument
	cfg.Symbol = getEnv("SYMBOL", "EURUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}
	cfg.PipSize, err = getEnvAsFloatRequired("PIP_SIZE", 0.0001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PIP_SIZE: %v", err))
	} else if cfg.PipSize <= 0 {
		errs = append(errs, "PIP_SIZE must be positive")
	}
	cfg.PipValue, err = getEnvAsFloatRequired("PIP_VALUE", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PIP_VALUE: %v", err))
	} else if cfg.PipValue <= 0 {
		errs = append(errs, "PIP_VALUE must be positive")
	}
	cfg.PipValueUnits = getEnvAsFloat("PIP_VALUE_UNITS", 10000)
	if cfg.PipValueUnits < 0 {
		errs = append(errs, "PIP_VALUE_UNITS cannot be negative")
	}
	cfg.MinVolume = getEnvAsFloat("MIN_VOLUME", 1)
	cfg.MaxVolume = getEnvAsFloat("MAX_VOLUME", 0)
	cfg.VolumeStep = getEnvAsFloat("VOLUME_STEP", 1)
	if cfg.MaxVolume < 0 || cfg.VolumeStep < 0 {
		errs = append(errs, "volume rules (MAX_VOLUME, VOLUME_STEP) cannot be negative")
	}
	if cfg.MinVolume <= 0 {
		errs = append(errs, "MIN_VOLUME must be positive")
	}
	if cfg.MaxVolume > 0 && cfg.MaxVolume < cfg.MinVolume {
		errs = append(errs, "MAX_VOLUME must not be below MIN_VOLUME")
	}
	cfg.QuantityPrecision = getEnvAsInt("QUANTITY_PRECISION", 0)
	cfg.PricePrecision = getEnvAsInt("PRICE_PRECISION", 5)
	if cfg.QuantityPrecision < 0 || cfg.PricePrecision < 0 {
		errs = append(errs, "QUANTITY_PRECISION and PRICE_PRECISION cannot be negative")
	}

	// Risk gate
	cfg.DailyLossLimit, err = getEnvAsFloatRequired("DAILY_LOSS_LIMIT", -0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DAILY_LOSS_LIMIT: %v", err))
	}
	cfg.DrawdownLimit, err = getEnvAsFloatRequired("DRAWDOWN_LIMIT", -0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DRAWDOWN_LIMIT: %v", err))
	}
	cfg.MaxConcurrentPositions, err = getEnvAsIntRequired("MAX_CONCURRENT_POSITIONS", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_CONCURRENT_POSITIONS: %v", err))
	}
	if err := cfg.Gate().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// Daily budget
	cfg.Timezone = getEnv("TIMEZONE", "UTC")
	cfg.Location, err = time.LoadLocation(cfg.Timezone)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TIMEZONE %q: %v", cfg.Timezone, err))
		cfg.Location = time.UTC
	}
	cfg.MaxTradesPerDay, err = getEnvAsIntRequired("MAX_TRADES_PER_DAY", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TRADES_PER_DAY: %v", err))
	} else if cfg.MaxTradesPerDay < 0 {
		errs = append(errs, "MAX_TRADES_PER_DAY cannot be negative")
	}
	cfg.DailyMaxLoss, err = getEnvAsFloatRequired("DAILY_MAX_LOSS", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DAILY_MAX_LOSS: %v", err))
	} else if cfg.DailyMaxLoss < 0 || cfg.DailyMaxLoss >= 1 {
		errs = append(errs, "DAILY_MAX_LOSS must be between 0.0 (disabled) and 1.0")
	}

	// Entry
	cfg.RiskPerTrade, err = getEnvAsFloatRequired("RISK_PER_TRADE", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_PER_TRADE: %v", err))
	}
	cfg.RewardRisk, err = getEnvAsFloatRequired("REWARD_RISK", 2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid REWARD_RISK: %v", err))
	}
	cfg.MaxSpreadPips = getEnvAsFloat("MAX_SPREAD_PIPS", 3)
	cfg.SpreadPips = getEnvAsFloat("SPREAD_PIPS", 0)
	if cfg.SpreadPips < 0 {
		errs = append(errs, "SPREAD_PIPS cannot be negative")
	}
	cfg.SessionStartHour = getEnvAsInt("SESSION_START_HOUR", 7)
	cfg.SessionEndHour = getEnvAsInt("SESSION_END_HOUR", 20)
	if cfg.SessionStartHour < 0 || cfg.SessionStartHour > 23 || cfg.SessionEndHour < 0 || cfg.SessionEndHour > 23 {
		errs = append(errs, "SESSION_START_HOUR and SESSION_END_HOUR must be within 0-23")
	} else if cfg.SessionStartHour >= cfg.SessionEndHour {
		errs = append(errs, "SESSION_START_HOUR must be less than SESSION_END_HOUR")
	}

	// Position management
	cfg.ForceExitAtSessionEnd = getEnvAsBool("FORCE_EXIT_AT_SESSION_END", true)
	if cfg.ForceExitAtSessionEnd && cfg.SessionEndHour >= 23 {
		cfg.Warnings = append(cfg.Warnings, "SESSION_END_HOUR >= 23: the session-end exit never fires at or after 23:00")
	}
	cfg.BreakevenMultiplier = getEnvAsFloat("BREAKEVEN_MULTIPLIER", 0.8)
	cfg.BreakevenPaddingPips = getEnvAsFloat("BREAKEVEN_PADDING_PIPS", 1)
	cfg.PartialMultiplier = getEnvAsFloat("PARTIAL_MULTIPLIER", 1.5)
	cfg.PartialPercent, err = getEnvAsFloatRequired("PARTIAL_PERCENT", 40)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PARTIAL_PERCENT: %v", err))
	} else if cfg.PartialPercent < 0 || cfg.PartialPercent >= 100 {
		errs = append(errs, "PARTIAL_PERCENT must be between 0 (disabled) and 100 (exclusive)")
	}
	cfg.ATRStopMultiplier = getEnvAsFloat("ATR_STOP_MULTIPLIER", 2)
	cfg.StopPadPips = getEnvAsFloat("STOP_PAD_PIPS", 5)
	cfg.MinStopPips = getEnvAsFloat("MIN_STOP_PIPS", 10)
	cfg.MaxBarsInTrade = getEnvAsInt("MAX_BARS_IN_TRADE", 0)
	cfg.ExitLongOscillator = getEnvAsFloat("EXIT_LONG_OSCILLATOR", 70)
	cfg.ExitShortOscillator = getEnvAsFloat("EXIT_SHORT_OSCILLATOR", 30)
	if err := cfg.Lifecycle().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// Indicators
	cfg.FastMAPeriod = getEnvAsInt("FAST_MA_PERIOD", 20)
	cfg.SlowMAPeriod = getEnvAsInt("SLOW_MA_PERIOD", 50)
	cfg.ATRPeriod = getEnvAsInt("ATR_PERIOD", 14)
	cfg.RSIPeriod = getEnvAsInt("RSI_PERIOD", 14)
	if cfg.FastMAPeriod <= 0 || cfg.SlowMAPeriod <= 0 || cfg.ATRPeriod <= 0 || cfg.RSIPeriod <= 0 {
		errs = append(errs, "indicator periods (MA, ATR, RSI) must be positive")
	}
	if cfg.FastMAPeriod >= cfg.SlowMAPeriod {
		errs = append(errs, "FAST_MA_PERIOD must be less than SLOW_MA_PERIOD")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trade_guard.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "console"))
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be console or json")
	}

	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Execution guards
	cfg.OrdersPerSecond = getEnvAsFloat("ORDERS_PER_SECOND", 5)
	cfg.BreakerFailures = getEnvAsInt("BREAKER_FAILURES", 5)
	cfg.BreakerCooldown = time.Duration(getEnvAsInt("BREAKER_COOLDOWN_SECONDS", 30)) * time.Second
	if cfg.OrdersPerSecond < 0 || cfg.BreakerFailures < 0 {
		errs = append(errs, "ORDERS_PER_SECOND and BREAKER_FAILURES cannot be negative")
	}

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// Gate returns the risk gate parameters.
func (c *Config) Gate() risk.GateConfig {
	return risk.GateConfig{
		DailyLossLimit:         c.DailyLossLimit,
		DrawdownLimit:          c.DrawdownLimit,
		MaxConcurrentPositions: c.MaxConcurrentPositions,
	}
}

// Lifecycle returns the position management parameters.
func (c *Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		RiskFraction:          c.RiskPerTrade,
		RewardRisk:            c.RewardRisk,
		ATRStopMultiplier:     c.ATRStopMultiplier,
		StopPadPips:           c.StopPadPips,
		MinStopPips:           c.MinStopPips,
		BreakevenMultiplier:   c.BreakevenMultiplier,
		BreakevenPaddingPips:  c.BreakevenPaddingPips,
		PartialMultiplier:     c.PartialMultiplier,
		PartialPercent:        c.PartialPercent,
		MaxBarsInTrade:        c.MaxBarsInTrade,
		ExitLongOscillator:    c.ExitLongOscillator,
		ExitShortOscillator:   c.ExitShortOscillator,
		ForceExitAtSessionEnd: c.ForceExitAtSessionEnd,
		SessionEndHour:        c.SessionEndHour,
		Location:              c.Location,
	}
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
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Set but invalid
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
