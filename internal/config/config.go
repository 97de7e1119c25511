package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	StoreDriver string `yaml:"store_driver"` // "postgres" or "memory"
	DBSource    string `yaml:"db_source"`
	Port        string `yaml:"server_port"`
	Env         string `yaml:"environment"`
	RedisURL    string `yaml:"redis_url"`

	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"

	RentalPeriodSeconds int64    `yaml:"rental_period_seconds"`
	SettleSchedule      string   `yaml:"settle_schedule"` // cron expression, empty disables
	SettleBatch         int      `yaml:"settle_batch"`
	CORSOrigins         []string `yaml:"cors_origins"`
}

func defaults() *Config {
	return &Config{
		StoreDriver:         "postgres",
		Port:                "8080",
		Env:                 "development",
		JWTExpiration:       24 * time.Hour,
		LogLevel:            "info",
		RentalPeriodSeconds: 86400,
		SettleSchedule:      "@every 1m",
		SettleBatch:         100,
		CORSOrigins:         []string{"*"},
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, then environment variables (a .env file is read first if
// present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.overrideWithEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) overrideWithEnv() error {
	setString(&c.StoreDriver, "STORE_DRIVER")
	setString(&c.DBSource, "DB_SOURCE")
	setString(&c.Port, "SERVER_PORT")
	setString(&c.Env, "ENVIRONMENT")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.SettleSchedule, "SETTLE_SCHEDULE")

	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		c.CORSOrigins = strings.Split(val, ",")
	}
	if val := os.Getenv("JWT_EXPIRATION"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("JWT_EXPIRATION: %w", err)
		}
		c.JWTExpiration = d
	}
	if val := os.Getenv("RENTAL_PERIOD_SECONDS"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("RENTAL_PERIOD_SECONDS: %w", err)
		}
		c.RentalPeriodSeconds = n
	}
	if val := os.Getenv("SETTLE_BATCH"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("SETTLE_BATCH: %w", err)
		}
		c.SettleBatch = n
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.RentalPeriodSeconds <= 0 {
		return fmt.Errorf("invalid rental period: %d", c.RentalPeriodSeconds)
	}
	if c.SettleBatch <= 0 {
		return fmt.Errorf("invalid settle batch: %d", c.SettleBatch)
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", c.Port)
	}
	return nil
}
