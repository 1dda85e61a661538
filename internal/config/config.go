/**
 * @description
 * Configuration for the delivery service. Values come from environment
 * variables, optionally seeded by a .env file, and are read through Viper.
 * Malformed tunables fall back to their defaults with a warning rather than
 * failing startup; missing connection settings do fail.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 */

package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the delivery service.
type Config struct {
	ServerPort            string   `mapstructure:"SERVER_PORT"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	StoreDriver           string   `mapstructure:"STORE_DRIVER"`
	RedisURL              string   `mapstructure:"REDIS_URL"`
	RedisOtpAttemptPrefix string   `mapstructure:"REDIS_OTP_ATTEMPT_PREFIX"`
	RabbitMQURL           string   `mapstructure:"RABBITMQ_URL"`
	EventsExchange        string   `mapstructure:"EVENTS_EXCHANGE"`
	LocationUpdateQueue   string   `mapstructure:"LOCATION_UPDATE_QUEUE"`
	JWTSecret             string   `mapstructure:"JWT_SECRET"`
	InternalAPIKey        string   `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins    []string `mapstructure:"-"`
	LogLevel              string   `mapstructure:"LOG_LEVEL"`
	LogFormat             string   `mapstructure:"LOG_FORMAT"`

	BidDecisionTimeout   time.Duration `mapstructure:"-"`
	OtpLength            int           `mapstructure:"-"`
	OtpMaxAttempts       int           `mapstructure:"-"`
	OtpAttemptWindow     time.Duration `mapstructure:"-"`
	LiveMoveThresholdKm  float64       `mapstructure:"-"`
	LiveRescanInterval   time.Duration `mapstructure:"-"`
	LiveStaleTimeout     time.Duration `mapstructure:"-"`
	LiveBatchSize        int           `mapstructure:"-"`
	TransientTTL         time.Duration `mapstructure:"-"`
	ConversationTTL      time.Duration `mapstructure:"-"`

	LiveLocationSweepSchedule string `mapstructure:"LIVE_LOCATION_SWEEP_SCHEDULE"`
	RematchSweepSchedule      string `mapstructure:"REMATCH_SWEEP_SCHEDULE"`
	BidExpirySweepSchedule    string `mapstructure:"BID_EXPIRY_SWEEP_SCHEDULE"`
	SettlementRetrySchedule   string `mapstructure:"SETTLEMENT_RETRY_SCHEDULE"`
}

var stringDefaults = map[string]string{
	"SERVER_PORT":                  "8080",
	"STORE_DRIVER":                 StoreDriverPostgres,
	"REDIS_OTP_ATTEMPT_PREFIX":     "delivery:otp_mismatches",
	"EVENTS_EXCHANGE":              "delivery.events",
	"LOCATION_UPDATE_QUEUE":        "delivery_service.location_updates",
	"LOG_LEVEL":                    "info",
	"LOG_FORMAT":                   "json",
	"LIVE_LOCATION_SWEEP_SCHEDULE": "@every 30s",
	"REMATCH_SWEEP_SCHEDULE":       "@every 1m",
	"BID_EXPIRY_SWEEP_SCHEDULE":    "@every 1m",
	"SETTLEMENT_RETRY_SCHEDULE":    "@every 5m",
}

var durationDefaults = map[string]time.Duration{
	"BID_DECISION_TIMEOUT":          20 * time.Minute,
	"OTP_ATTEMPT_WINDOW":            15 * time.Minute,
	"LIVE_LOCATION_RESCAN_INTERVAL": 5 * time.Minute,
	"LIVE_LOCATION_STALE_TIMEOUT":   2 * time.Minute,
	"TRANSIENT_NOTIFICATION_TTL":    60 * time.Second,
	"CONVERSATION_TTL":              24 * time.Hour,
}

var intDefaults = map[string]int{
	"OTP_LENGTH":               6,
	"OTP_MAX_ATTEMPTS":         0,
	"LIVE_LOCATION_BATCH_SIZE": 3,
}

const defaultMoveThresholdKm = 0.1

// LoadConfig reads configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range stringDefaults {
		viper.SetDefault(key, value)
	}
	for key, value := range durationDefaults {
		viper.SetDefault(key, value.String())
	}
	for key, value := range intDefaults {
		viper.SetDefault(key, value)
	}
	viper.SetDefault("LIVE_LOCATION_MOVE_THRESHOLD_KM", defaultMoveThresholdKm)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_OTP_ATTEMPT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("LOCATION_UPDATE_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("LIVE_LOCATION_MOVE_THRESHOLD_KM")
	_ = viper.BindEnv("LIVE_LOCATION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("REMATCH_SWEEP_SCHEDULE")
	_ = viper.BindEnv("BID_EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SETTLEMENT_RETRY_SCHEDULE")
	for key := range durationDefaults {
		_ = viper.BindEnv(key)
	}
	for key := range intDefaults {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "err", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisOtpAttemptPrefix = strings.TrimSpace(config.RedisOtpAttemptPrefix)
	if config.RedisOtpAttemptPrefix == "" {
		config.RedisOtpAttemptPrefix = stringDefaults["REDIS_OTP_ATTEMPT_PREFIX"]
	}
	config.CORSAllowedOrigins = splitList(viper.GetString("CORS_ALLOWED_ORIGINS"))

	config.BidDecisionTimeout = positiveDuration("BID_DECISION_TIMEOUT")
	config.OtpAttemptWindow = positiveDuration("OTP_ATTEMPT_WINDOW")
	config.LiveRescanInterval = positiveDuration("LIVE_LOCATION_RESCAN_INTERVAL")
	config.LiveStaleTimeout = positiveDuration("LIVE_LOCATION_STALE_TIMEOUT")
	config.TransientTTL = positiveDuration("TRANSIENT_NOTIFICATION_TTL")
	config.ConversationTTL = positiveDuration("CONVERSATION_TTL")
	config.OtpLength = boundedInt("OTP_LENGTH", 4)
	config.OtpMaxAttempts = boundedInt("OTP_MAX_ATTEMPTS", 0)
	config.LiveBatchSize = boundedInt("LIVE_LOCATION_BATCH_SIZE", 1)
	config.LiveMoveThresholdKm = moveThreshold()

	if err = config.validate(); err != nil {
		return
	}
	return config, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case StoreDriverMemory:
	default:
		return errors.New("STORE_DRIVER must be postgres or memory")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

func positiveDuration(key string) time.Duration {
	raw := strings.TrimSpace(viper.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration configured; using default", "component", "config", "key", key, "value", raw)
		return durationDefaults[key]
	}
	return d
}

func boundedInt(key string, min int) int {
	raw := strings.TrimSpace(viper.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		slog.Warn("invalid integer configured; using default", "component", "config", "key", key, "value", raw)
		return intDefaults[key]
	}
	return n
}

func moveThreshold() float64 {
	raw := strings.TrimSpace(viper.GetString("LIVE_LOCATION_MOVE_THRESHOLD_KM"))
	km, err := strconv.ParseFloat(raw, 64)
	if err != nil || km <= 0 {
		slog.Warn("invalid move threshold configured; using default", "component", "config", "value", raw)
		return defaultMoveThresholdKm
	}
	return km
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
