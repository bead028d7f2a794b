// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/portfolio-engine/internal/retry"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Prices    PricesConfig    `mapstructure:"prices"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PostgresConfig enables the Postgres account store when URL is set.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the read-through account cache when URL is set.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type PricesConfig struct {
	Source   string `mapstructure:"source"`   // "file" or "postgres"
	File     string `mapstructure:"file"`     // JSON price file for the file source
	Location string `mapstructure:"location"` // zone of naive timestamps, e.g. "Asia/Seoul"
}

type SchedulerConfig struct {
	Period  time.Duration `mapstructure:"period"`
	Writers int           `mapstructure:"writers"`
}

type AccountsConfig struct {
	InitialCash  string        `mapstructure:"initial_cash"` // decimal string
	MaxConflicts int           `mapstructure:"max_conflicts"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`       // "debug", "info", "warn", "error"
	Format     string `mapstructure:"format"`      // "json" or "text"
	OutputFile string `mapstructure:"output_file"` // rotated log file (optional)
}

// Load reads configuration. path names a YAML file; when empty, config.yaml
// is looked up in the working directory and ./config, and its absence is
// not an error. Environment variables override file values using the key
// path with dots replaced by underscores (SCHEDULER_PERIOD=5s). PORT,
// DATABASE_URL and REDIS_URL are also honored.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("http.port", "HTTP_PORT", "PORT")
	_ = v.BindEnv("postgres.url", "POSTGRES_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "REDIS_URL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("prices.source", "file")
	v.SetDefault("prices.file", "data/prices.json")
	v.SetDefault("prices.location", "Local")

	v.SetDefault("scheduler.period", 10*time.Second)
	v.SetDefault("scheduler.writers", 8)

	v.SetDefault("accounts.initial_cash", "100000")
	v.SetDefault("accounts.max_conflicts", 5)
	v.SetDefault("accounts.idle_timeout", 2*time.Minute)

	v.SetDefault("retry.attempts", 4)
	v.SetDefault("retry.base_delay", 100*time.Millisecond)
	v.SetDefault("retry.max_delay", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_file", "")
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Prices.Source != "file" && c.Prices.Source != "postgres" {
		return fmt.Errorf("config: prices.source must be file or postgres, got %q", c.Prices.Source)
	}
	if c.Prices.Source == "postgres" && c.Postgres.URL == "" {
		return errors.New("config: prices.source=postgres requires postgres.url")
	}
	if _, err := c.Prices.TimeLocation(); err != nil {
		return err
	}
	cash, err := c.Accounts.StartingCash()
	if err != nil {
		return err
	}
	if cash.IsNegative() {
		return errors.New("config: accounts.initial_cash must not be negative")
	}
	if c.Scheduler.Period <= 0 {
		return errors.New("config: scheduler.period must be positive")
	}
	return nil
}

// TimeLocation resolves the zone in which naive price timestamps are read.
func (p PricesConfig) TimeLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Location)
	if err != nil {
		return nil, fmt.Errorf("config: prices.location: %w", err)
	}
	return loc, nil
}

// StartingCash is the cash granted to a newly created account.
func (a AccountsConfig) StartingCash() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(a.InitialCash)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: accounts.initial_cash: %w", err)
	}
	return d, nil
}

// Policy converts the retry settings.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		Attempts:  r.Attempts,
		BaseDelay: r.BaseDelay,
		MaxDelay:  r.MaxDelay,
	}
}
