/**
 * @description
 * This package handles the configuration management for the ticket-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all the configuration variables for the ticket-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	AppEnv                    string `mapstructure:"APP_ENV"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
	DatabaseDriver            string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	SQLitePath                string `mapstructure:"SQLITE_PATH"`
	AutoMigrate               bool   `mapstructure:"AUTO_MIGRATE"`
	DBMaxConns                int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                int32  `mapstructure:"DB_MIN_CONNS"`
	JWTSecret                 string `mapstructure:"JWT_SECRET"`
	JWTIssuer                 string `mapstructure:"JWT_ISSUER"`
	JWTAudience               string `mapstructure:"JWT_AUDIENCE"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange      string `mapstructure:"NOTIFICATION_EXCHANGE"`
	DonationEventExchange     string `mapstructure:"DONATION_EVENT_EXCHANGE"`
	DonationEventQueue        string `mapstructure:"DONATION_EVENT_QUEUE"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ClaimRateLimitPerMinute   int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	OutboxDispatchSchedule    string `mapstructure:"OUTBOX_DISPATCH_SCHEDULE"`
	OutboxPurgeSchedule       string `mapstructure:"OUTBOX_PURGE_SCHEDULE"`
	OutboxRetentionHours      int    `mapstructure:"OUTBOX_RETENTION_HOURS"`
	OutboxBatchSize           int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	HTTPRequestTimeoutSeconds int    `mapstructure:"HTTP_REQUEST_TIMEOUT_SECONDS"`
}

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required for the postgres driver")
	ErrMissingJWTSecret   = errors.New("JWT_SECRET is required to serve the API")
	ErrUnknownDriver      = errors.New("DATABASE_DRIVER must be postgres or sqlite")
)

var keys = []string{
	"SERVER_PORT",
	"APP_ENV",
	"LOG_LEVEL",
	"DATABASE_DRIVER",
	"DATABASE_URL",
	"SQLITE_PATH",
	"AUTO_MIGRATE",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"JWT_SECRET",
	"JWT_ISSUER",
	"JWT_AUDIENCE",
	"INTERNAL_API_KEY",
	"CORS_ALLOWED_ORIGINS",
	"RABBITMQ_URL",
	"NOTIFICATION_EXCHANGE",
	"DONATION_EVENT_EXCHANGE",
	"DONATION_EVENT_QUEUE",
	"REDIS_URL",
	"REDIS_RATE_LIMIT_PREFIX",
	"CLAIM_RATE_LIMIT_PER_MINUTE",
	"OUTBOX_DISPATCH_SCHEDULE",
	"OUTBOX_PURGE_SCHEDULE",
	"OUTBOX_RETENTION_HOURS",
	"OUTBOX_BATCH_SIZE",
	"HTTP_REQUEST_TIMEOUT_SECONDS",
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DATABASE_DRIVER", DriverPostgres)
	viper.SetDefault("SQLITE_PATH", "ticket-service.db")
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("DB_MIN_CONNS", 1)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "helphut.events")
	viper.SetDefault("DONATION_EVENT_EXCHANGE", "helphut.donations")
	viper.SetDefault("DONATION_EVENT_QUEUE", "ticket_service.donation_posted")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "helphut:rate_limit")
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("OUTBOX_DISPATCH_SCHEDULE", "@every 2s")
	viper.SetDefault("OUTBOX_PURGE_SCHEDULE", "@hourly")
	viper.SetDefault("OUTBOX_RETENTION_HOURS", 72)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("HTTP_REQUEST_TIMEOUT_SECONDS", 15)

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseDriver = strings.ToLower(strings.TrimSpace(config.DatabaseDriver))
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.LogLevel = strings.TrimSpace(config.LogLevel)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "helphut:rate_limit"
	}

	if config.ClaimRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative claim rate limit configured; disabling\" value=%d", config.ClaimRateLimitPerMinute)
		config.ClaimRateLimitPerMinute = 0
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}
	if config.HTTPRequestTimeoutSeconds <= 0 {
		config.HTTPRequestTimeoutSeconds = 15
	}
	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 10
	}
	if config.DBMinConns < 0 || config.DBMinConns > config.DBMaxConns {
		config.DBMinConns = 1
	}

	return
}

// Validate checks the settings every command needs. serve additionally requires
// a JWT secret.
func (c Config) Validate(forServe bool) error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	case DriverSQLite:
	default:
		return ErrUnknownDriver
	}
	if forServe && c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTPRequestTimeoutSeconds) * time.Second
}

func (c Config) OutboxRetention() time.Duration {
	return time.Duration(c.OutboxRetentionHours) * time.Hour
}

func (c Config) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "development")
}
