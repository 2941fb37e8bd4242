package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Logger   Logger   `mapstructure:"logger"`
	Engine   Engine   `mapstructure:"engine"`
	Binance  Binance  `mapstructure:"binance"`
}

// Server holds the configuration for the HTTP/WebSocket server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Sampling bool   `mapstructure:"sampling"`
}

// SymbolSeed is one catalog entry seeded at boot.
type SymbolSeed struct {
	Symbol    string  `mapstructure:"symbol"`
	Name      string  `mapstructure:"name"`
	BasePrice float64 `mapstructure:"base_price"`
}

// Engine holds the defaults for the outcome engine. Most of these only
// seed the TradingSettings row on first boot; after that the admin API
// is authoritative.
type Engine struct {
	TickIntervalSeconds       int          `mapstructure:"tick_interval_seconds"`
	ActivityWindowSeconds     int          `mapstructure:"activity_window_seconds"`
	SchedulerPeriodSeconds    int          `mapstructure:"scheduler_period_seconds"`
	CandleRetention           int          `mapstructure:"candle_retention"`
	IdleProfitPercentage      float64      `mapstructure:"idle_profit_percentage"`
	IdleDurationSeconds       int          `mapstructure:"idle_duration_seconds"`
	ActiveWinRatePercentage   float64      `mapstructure:"active_win_rate_percentage"`
	ActiveProfitPercentage    float64      `mapstructure:"active_profit_percentage"`
	ActiveLossPercentage      float64      `mapstructure:"active_loss_percentage"`
	ActiveDurationSeconds     int          `mapstructure:"active_duration_seconds"`
	PriceVolatilityPercentage float64      `mapstructure:"price_volatility_percentage"`
	Symbols                   []SymbolSeed `mapstructure:"symbols"`
}

// Binance holds the configuration for the optional real-price provider.
type Binance struct {
	BaseURL        string  `mapstructure:"base_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.dsn", "file:trading.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.sampling", true)
	viper.SetDefault("engine.tick_interval_seconds", 2)
	viper.SetDefault("engine.activity_window_seconds", 600)
	viper.SetDefault("engine.scheduler_period_seconds", 1)
	viper.SetDefault("engine.candle_retention", 5000)
	viper.SetDefault("engine.idle_profit_percentage", 5)
	viper.SetDefault("engine.idle_duration_seconds", 1800)
	viper.SetDefault("engine.active_win_rate_percentage", 30)
	viper.SetDefault("engine.active_profit_percentage", 10)
	viper.SetDefault("engine.active_loss_percentage", 10)
	viper.SetDefault("engine.active_duration_seconds", 300)
	viper.SetDefault("engine.price_volatility_percentage", 2)
	viper.SetDefault("binance.base_url", "https://api.binance.com/api/v3")
	viper.SetDefault("binance.rate_limit", 20)      // requests per second
	viper.SetDefault("binance.rate_limit_burst", 5) // burst size
	viper.SetDefault("binance.timeout_seconds", 10)

	if err = viper.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover everything
		// except the symbol catalog.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}
