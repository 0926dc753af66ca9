package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	EventsMemory   = "memory"
	EventsRedis    = "redis"
	EventsRabbitMQ = "rabbitmq"
	EventsAsynq    = "asynq"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SeedFile    string `mapstructure:"SEED_FILE"`

	Timezone               string        `mapstructure:"PRACTICE_TIMEZONE"`
	SlotGranularityMinutes int           `mapstructure:"SLOT_GRANULARITY_MINUTES"`
	DefaultDurationMinutes int           `mapstructure:"DEFAULT_SERVICE_DURATION_MINUTES"`
	MinBookingNotice       time.Duration `mapstructure:"MIN_BOOKING_NOTICE"`
	BookingTimeout         time.Duration `mapstructure:"BOOKING_TIMEOUT"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DirectoryCacheSize     int           `mapstructure:"DIRECTORY_CACHE_SIZE"`
	DirectoryCacheTTL      time.Duration `mapstructure:"DIRECTORY_CACHE_TTL"`
	ReminderLead           time.Duration `mapstructure:"REMINDER_LEAD"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	EventBackend      string `mapstructure:"EVENT_BACKEND"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	RedisStream       string `mapstructure:"REDIS_STREAM"`
	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange  string `mapstructure:"RABBITMQ_EXCHANGE"`
	AsynqQueue        string `mapstructure:"ASYNQ_QUEUE"`
	WorkerConcurrency int    `mapstructure:"WORKER_CONCURRENCY"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SEED_FILE",
	"PRACTICE_TIMEZONE", "SLOT_GRANULARITY_MINUTES", "DEFAULT_SERVICE_DURATION_MINUTES",
	"MIN_BOOKING_NOTICE", "BOOKING_TIMEOUT", "REQUEST_TIMEOUT",
	"DIRECTORY_CACHE_SIZE", "DIRECTORY_CACHE_TTL", "REMINDER_LEAD",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"EVENT_BACKEND", "REDIS_URL", "REDIS_STREAM", "RABBITMQ_URL", "RABBITMQ_EXCHANGE",
	"ASYNQ_QUEUE", "WORKER_CONCURRENCY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("PRACTICE_TIMEZONE", "America/New_York")
	v.SetDefault("SLOT_GRANULARITY_MINUTES", 30)
	v.SetDefault("DEFAULT_SERVICE_DURATION_MINUTES", 50)
	v.SetDefault("MIN_BOOKING_NOTICE", "0s")
	v.SetDefault("BOOKING_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DIRECTORY_CACHE_SIZE", 1024)
	v.SetDefault("DIRECTORY_CACHE_TTL", "5m")
	v.SetDefault("REMINDER_LEAD", "24h")
	v.SetDefault("AUTH_AUDIENCE", "")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("EVENT_BACKEND", EventsMemory)
	v.SetDefault("REDIS_STREAM", "practice:events")
	v.SetDefault("RABBITMQ_EXCHANGE", "practice.events")
	v.SetDefault("ASYNQ_QUEUE", "events")
	v.SetDefault("WORKER_CONCURRENCY", 10)

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads PRACTICE_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("PRACTICE_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SlotGranularityMinutes <= 0 {
		return fmt.Errorf("SLOT_GRANULARITY_MINUTES must be positive, got %d", c.SlotGranularityMinutes)
	}
	if c.DefaultDurationMinutes <= 0 {
		return fmt.Errorf("DEFAULT_SERVICE_DURATION_MINUTES must be positive, got %d", c.DefaultDurationMinutes)
	}
	if c.MinBookingNotice < 0 {
		return fmt.Errorf("MIN_BOOKING_NOTICE must not be negative")
	}
	if c.BookingTimeout <= 0 {
		return fmt.Errorf("BOOKING_TIMEOUT must be positive")
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	switch c.EventBackend {
	case EventsMemory:
	case EventsRedis, EventsAsynq:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENT_BACKEND=%s", c.EventBackend)
		}
	case EventsRabbitMQ:
		if c.RabbitMQURL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when EVENT_BACKEND=%s", c.EventBackend)
		}
	default:
		return fmt.Errorf("EVENT_BACKEND must be memory, redis, rabbitmq or asynq, got %q", c.EventBackend)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (ENV=%q)", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
