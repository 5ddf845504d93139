package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (PAYESHGAR_*)
// 3. Config file (YAML)
// 4. Defaults
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// TrustProxyHeaders enables source address resolution from
	// X-Forwarded-For. Only enable behind a proxy that sets it.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig defines the PostgreSQL connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig defines the Redis connection used for the work queue and the
// response cache. An empty address disables both; submissions are then
// processed synchronously and queries hit the database every time.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`

	// WorkerConcurrency is the number of queue consumers in this process.
	WorkerConcurrency int `yaml:"worker_concurrency"`
}

// SchedulerConfig defines schedule generation behavior.
type SchedulerConfig struct {
	Horizon          time.Duration `yaml:"horizon"`
	SafetyMargin     time.Duration `yaml:"safety_margin"`
	GenerateInterval time.Duration `yaml:"generate_interval"`
}

// DefaultServerConfig returns a config with sensible defaults.
func DefaultServerConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			WorkerConcurrency: 10,
		},
		Scheduler: SchedulerConfig{
			Horizon:          DefaultHorizon,
			SafetyMargin:     DefaultSafetyMargin,
			GenerateInterval: DefaultGenerateInterval,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Scheduler.Horizon <= 0 {
		return fmt.Errorf("scheduler.horizon must be positive")
	}
	if c.Scheduler.SafetyMargin < 0 || c.Scheduler.SafetyMargin >= c.Scheduler.Horizon {
		return fmt.Errorf("scheduler.safety_margin must be shorter than the horizon")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the PAYESHGAR_ prefix:
// - PAYESHGAR_LISTEN_ADDR
// - PAYESHGAR_DATABASE_URL
// - PAYESHGAR_REDIS_ADDR
// - PAYESHGAR_REDIS_PASSWORD
// - PAYESHGAR_REDIS_DB
// - PAYESHGAR_TRUST_PROXY_HEADERS (1/true)
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PAYESHGAR_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PAYESHGAR_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PAYESHGAR_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PAYESHGAR_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PAYESHGAR_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("PAYESHGAR_TRUST_PROXY_HEADERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Server.TrustProxyHeaders = b
		}
	}
}
