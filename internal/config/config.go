// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
		// PublicOrigins are the scheme://host[:port] values browsers send
		// in Origin. Empty means "the request's own host".
		PublicOrigins   []string      `yaml:"public_origins"`
		CookieName      string        `yaml:"cookie_name"`
		// CookieSecure defaults to true; only local plain-HTTP setups
		// should turn it off.
		CookieSecure    *bool         `yaml:"cookie_secure"`
		CookieDomain    string        `yaml:"cookie_domain"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		// Driver is "postgres" or "memory".
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`

	RabbitMQ struct {
		URL      string `yaml:"url"`
		Prefetch int    `yaml:"prefetch"`
	} `yaml:"rabbitmq"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	Session struct {
		Lifetime      time.Duration `yaml:"lifetime"`
		RefreshWindow time.Duration `yaml:"refresh_window"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"session"`

	Password struct {
		MemoryKiB   uint32 `yaml:"memory_kib"`
		Iterations  uint32 `yaml:"iterations"`
		Parallelism uint8  `yaml:"parallelism"`
	} `yaml:"password"`

	LoginLimit struct {
		MaxAttempts int           `yaml:"max_attempts"`
		Window      time.Duration `yaml:"window"`
	} `yaml:"login_limit"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Telemetry struct {
		ServiceName  string `yaml:"service_name"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
}

// LoadConfig reads .env (if present), then the YAML file at path, then
// environment overrides, and fills in defaults. A missing file is not an
// error when path is empty.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.Server.Addr, "HTTP_ADDR")
	override(&c.Database.URL, "DATABASE_URL")
	override(&c.RabbitMQ.URL, "RABBITMQ_URL")
	override(&c.Redis.URL, "REDIS_URL")
	override(&c.Log.Level, "LOG_LEVEL")
	override(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v, ok := os.LookupEnv("PUBLIC_ORIGINS"); ok && v != "" {
		c.Server.PublicOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.PublicOrigins = append(c.Server.PublicOrigins, o)
			}
		}
	}
	if v, ok := os.LookupEnv("COOKIE_SECURE"); ok && v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid COOKIE_SECURE %q: %w", v, err)
		}
		c.Server.CookieSecure = &secure
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.CookieSecure == nil {
		secure := true
		c.Server.CookieSecure = &secure
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.RabbitMQ.Prefetch == 0 {
		c.RabbitMQ.Prefetch = 16
	}
	if c.Session.Lifetime == 0 {
		c.Session.Lifetime = 30 * 24 * time.Hour
	}
	if c.Session.RefreshWindow == 0 {
		c.Session.RefreshWindow = 15 * 24 * time.Hour
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = time.Hour
	}
	if c.Password.MemoryKiB == 0 {
		c.Password.MemoryKiB = 19 * 1024
	}
	if c.Password.Iterations == 0 {
		c.Password.Iterations = 2
	}
	if c.Password.Parallelism == 0 {
		c.Password.Parallelism = 1
	}
	if c.LoginLimit.MaxAttempts == 0 {
		c.LoginLimit.MaxAttempts = 10
	}
	if c.LoginLimit.Window == 0 {
		c.LoginLimit.Window = 15 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "bizfolio"
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be postgres or memory", c.Database.Driver))
	}
	if c.Session.Lifetime <= 0 {
		errs = append(errs, errors.New("session.lifetime must be positive"))
	}
	if c.Session.RefreshWindow <= 0 || c.Session.RefreshWindow >= c.Session.Lifetime {
		errs = append(errs, errors.New("session.refresh_window must be positive and shorter than session.lifetime"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be positive"))
	}
	if c.LoginLimit.MaxAttempts < 1 || c.LoginLimit.Window <= 0 {
		errs = append(errs, errors.New("login_limit needs max_attempts >= 1 and a positive window"))
	}
	if c.RabbitMQ.Prefetch < 0 {
		errs = append(errs, errors.New("rabbitmq.prefetch must not be negative"))
	}
	return errors.Join(errs...)
}
