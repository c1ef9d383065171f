/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the registration-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	LedgerAPIBaseURL         string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey             string `mapstructure:"LEDGER_API_KEY"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	CurrencyCode             string `mapstructure:"CURRENCY_CODE"`
	ChargeRateLimitPerMinute int    `mapstructure:"CHARGE_RATE_LIMIT_PER_MINUTE"`
	ReconcileSweepSchedule   string `mapstructure:"RECONCILE_SWEEP_SCHEDULE"`
	OrphanSweepSchedule      string `mapstructure:"ORPHAN_SWEEP_SCHEDULE"`
	ReconcileWindowSchedule  string `mapstructure:"RECONCILE_WINDOW_SCHEDULE"`
	ReconcileWindowHours     int    `mapstructure:"RECONCILE_WINDOW_HOURS"`
	ReconcilePacingMs        int    `mapstructure:"RECONCILE_PACING_MS"`
	ReconcileBatchLimit      int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	IntentStaleAfterMin      int    `mapstructure:"INTENT_STALE_AFTER_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "rosterhq:rate_limit")
	viper.SetDefault("CURRENCY_CODE", "USD")
	viper.SetDefault("CHARGE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("RECONCILE_SWEEP_SCHEDULE", "*/30 * * * *")
	viper.SetDefault("ORPHAN_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("RECONCILE_WINDOW_SCHEDULE", "0 3 * * *")
	viper.SetDefault("RECONCILE_WINDOW_HOURS", 25)
	viper.SetDefault("RECONCILE_PACING_MS", 200)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 100)
	viper.SetDefault("INTENT_STALE_AFTER_MINUTES", 15)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REGISTRATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REGISTRATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CURRENCY_CODE")
	_ = viper.BindEnv("CHARGE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("ORPHAN_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_WINDOW_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_WINDOW_HOURS")
	_ = viper.BindEnv("RECONCILE_PACING_MS")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("INTENT_STALE_AFTER_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// Platform-provided PORT wins over SERVER_PORT.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("REGISTRATION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "rosterhq:rate_limit"
	}
	config.CurrencyCode = strings.ToUpper(strings.TrimSpace(config.CurrencyCode))
	if config.CurrencyCode == "" {
		config.CurrencyCode = "USD"
	}
	if config.ChargeRateLimitPerMinute < 0 {
		config.ChargeRateLimitPerMinute = 0
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 100
	}
	if config.IntentStaleAfterMin <= 0 {
		config.IntentStaleAfterMin = 15
	}
	if config.ReconcileWindowHours <= 0 {
		config.ReconcileWindowHours = 25
	}

	return
}
