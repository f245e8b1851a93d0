package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds process-wide settings. It is built once by Load and passed
// into constructors explicitly.
type Config struct {
	DBDriver             string        `mapstructure:"DB_DRIVER"`
	DBSource             string        `mapstructure:"DB_SOURCE"`
	Port                 string        `mapstructure:"SERVER_PORT"`
	Env                  string        `mapstructure:"ENVIRONMENT"`
	Timezone             string        `mapstructure:"TIMEZONE"`
	SettlementSchedule   string        `mapstructure:"SETTLEMENT_SCHEDULE"`
	SchedulerEnabled     bool          `mapstructure:"SCHEDULER_ENABLED"`
	RoundingMode         string        `mapstructure:"ROUNDING_MODE"`
	RabbitMQURL          string        `mapstructure:"RABBITMQ_URL"`
	NotificationExchange string        `mapstructure:"NOTIFICATION_EXCHANGE"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	SettlementLockTTL    time.Duration `mapstructure:"SETTLEMENT_LOCK_TTL"`
	CORSAllowedOrigins   []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	BrandName            string        `mapstructure:"BRAND_NAME"`

	location *time.Location
}

var keys = []string{
	"DB_DRIVER",
	"DB_SOURCE",
	"SERVER_PORT",
	"ENVIRONMENT",
	"TIMEZONE",
	"SETTLEMENT_SCHEDULE",
	"SCHEDULER_ENABLED",
	"ROUNDING_MODE",
	"RABBITMQ_URL",
	"NOTIFICATION_EXCHANGE",
	"REDIS_URL",
	"SETTLEMENT_LOCK_TTL",
	"CORS_ALLOWED_ORIGINS",
	"BRAND_NAME",
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("DB_DRIVER", DriverPostgres)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("TIMEZONE", "Africa/Lagos")
	v.SetDefault("SETTLEMENT_SCHEDULE", "59 23 * * *") // 23:59 every day
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("ROUNDING_MODE", "half_up")
	v.SetDefault("NOTIFICATION_EXCHANGE", "notification_events")
	v.SetDefault("SETTLEMENT_LOCK_TTL", "10m")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:4200,http://localhost,http://localhost:8080,http://localhost:8000")
	v.SetDefault("BRAND_NAME", "Depositops")
	v.AutomaticEnv()

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DBSource) == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}

	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	if c.DBDriver != DriverPostgres && c.DBDriver != DriverSQLite {
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DBDriver)
	}

	switch c.RoundingMode {
	case "half_up", "half_even", "down":
	default:
		return fmt.Errorf("ROUNDING_MODE must be one of half_up, half_even, down; got %q", c.RoundingMode)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	c.location = loc

	if c.SettlementLockTTL <= 0 {
		return fmt.Errorf("SETTLEMENT_LOCK_TTL must be positive")
	}

	origins := c.CORSAllowedOrigins[:0]
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSAllowedOrigins = origins

	return nil
}

// Location is the named zone used for scheduling and customer-facing dates.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
