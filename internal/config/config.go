// Package config loads application configuration from a YAML file with
// environment variable overrides for secrets and deployment settings.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Bot         BotConfig         `yaml:"bot"`
	Experiments ExperimentsConfig `yaml:"experiments"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds optional Redis settings used for distributed locking.
// When Addr is empty the workers fall back to PG advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BotConfig holds messaging transport settings.
type BotConfig struct {
	Token          string `yaml:"token"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// ExperimentsConfig holds engine tuning knobs.
type ExperimentsConfig struct {
	// ThrottleMS is the pause between consecutive deliveries, in
	// milliseconds.
	ThrottleMS int `yaml:"throttle_ms"`
	// PollIntervalSeconds is how often the selection poller checks for
	// overdue tests.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// AutoDrip sends the winning variant to the remaining audience
	// automatically after selection.
	AutoDrip bool `yaml:"auto_drip"`
}

// Load reads and parses the YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Bot.TimeoutSeconds == 0 {
		cfg.Bot.TimeoutSeconds = 30
	}
	if cfg.Bot.MaxRetries == 0 {
		cfg.Bot.MaxRetries = 3
	}
	if cfg.Experiments.ThrottleMS == 0 {
		cfg.Experiments.ThrottleMS = 50
	}
	if cfg.Experiments.PollIntervalSeconds == 0 {
		cfg.Experiments.PollIntervalSeconds = 60
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file first (if present), so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if token := os.Getenv("BOT_TOKEN"); token != "" {
		cfg.Bot.Token = token
	}
	if baseURL := os.Getenv("BOT_BASE_URL"); baseURL != "" {
		cfg.Bot.BaseURL = baseURL
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	return cfg, nil
}
