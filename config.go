package keymeter

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Usage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the top-level keymeter configuration.
type Config struct {
	Listen     string        `yaml:"listen"`
	Window     time.Duration `yaml:"window"`
	TrustProxy bool          `yaml:"trust_proxy"`
	Keys       KeysConfig    `yaml:"keys"`
	Usage      UsageConfig   `yaml:"usage"`
	QRCode     QRCodeConfig  `yaml:"qrcode"`
	Log        LogConfig     `yaml:"log"`
	CORS       CORSConfig    `yaml:"cors"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

// KeysConfig configures the key registry.
type KeysConfig struct {
	File  string       `yaml:"file"`
	Watch bool         `yaml:"watch"`
	Seed  []SeedConfig `yaml:"seed"`
}

// SeedConfig is a key written to a fresh keys file.
type SeedConfig struct {
	Key   string `yaml:"key"`
	Limit int64  `yaml:"limit"`
}

// UsageConfig selects and configures the usage store backend.
type UsageConfig struct {
	Backend     string `yaml:"backend"`
	File        string `yaml:"file"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
	PostgresDSN string `yaml:"postgres_dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

// QRCodeConfig configures the QR image upstream.
type QRCodeConfig struct {
	BaseURL string        `yaml:"base_url"`
	Size    string        `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures logging. When File is set, output is rotated.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// CORSConfig configures cross-origin access to the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a runnable configuration with file backends under ./data.
func DefaultConfig() Config {
	return Config{
		Listen: ":8080",
		Window: DefaultWindow,
		Keys: KeysConfig{
			File: "data/keys.json",
			Seed: []SeedConfig{
				{Key: "nothing-api", Limit: 3000},
				{Key: "nothing-ben", Limit: 3000},
			},
		},
		Usage: UsageConfig{
			Backend:     BackendFile,
			File:        "data/usage.json",
			RedisPrefix: "keymeter:usage:",
			TablePrefix: "keymeter_",
		},
		QRCode: QRCodeConfig{
			BaseURL: "https://api.qrserver.com/v1/create-qr-code/",
			Size:    "150x150",
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		CORS:    CORSConfig{AllowedOrigins: []string{"*"}},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing,
// and PORT, when set, overrides the listen port.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("keymeter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("keymeter: parse config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv applies environment overrides. PORT replaces the port of Listen.
func (c *Config) ApplyEnv() {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return
	}
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		host = ""
	}
	c.Listen = net.JoinHostPort(host, port)
}

// Seeds returns the configured seed keys as key records.
func (c Config) Seeds() []KeyRecord {
	out := make([]KeyRecord, len(c.Keys.Seed))
	for i, s := range c.Keys.Seed {
		out[i] = KeyRecord{Key: s.Key, Limit: s.Limit}
	}
	return out
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("keymeter: config: listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("keymeter: config: invalid listen %q: %w", c.Listen, err)
	}
	if c.Window <= 0 {
		return fmt.Errorf("keymeter: config: window must be positive")
	}

	if c.Keys.File == "" {
		return fmt.Errorf("keymeter: config: keys.file is required")
	}
	if len(c.Keys.Seed) == 0 {
		return fmt.Errorf("keymeter: config: keys.seed needs at least one key")
	}
	seen := make(map[string]bool, len(c.Keys.Seed))
	for i, s := range c.Keys.Seed {
		if s.Key == "" {
			return fmt.Errorf("keymeter: config: keys.seed[%d]: key is required", i)
		}
		if s.Limit < 0 {
			return fmt.Errorf("keymeter: config: keys.seed[%d]: negative limit %d", i, s.Limit)
		}
		if seen[s.Key] {
			return fmt.Errorf("keymeter: config: keys.seed[%d]: duplicate key", i)
		}
		seen[s.Key] = true
	}

	switch c.Usage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Usage.File == "" {
			return fmt.Errorf("keymeter: config: usage.file is required for the file backend")
		}
	case BackendRedis:
		if c.Usage.RedisURL == "" {
			return fmt.Errorf("keymeter: config: usage.redis_url is required for the redis backend")
		}
	case BackendPostgres:
		if c.Usage.PostgresDSN == "" {
			return fmt.Errorf("keymeter: config: usage.postgres_dsn is required for the postgres backend")
		}
	case "":
		return fmt.Errorf("keymeter: config: usage.backend is required")
	default:
		return fmt.Errorf("keymeter: config: invalid usage.backend %q", c.Usage.Backend)
	}

	if c.QRCode.BaseURL == "" {
		return fmt.Errorf("keymeter: config: qrcode.base_url is required")
	}
	if c.QRCode.Timeout < 0 {
		return fmt.Errorf("keymeter: config: qrcode.timeout must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("keymeter: config: invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("keymeter: config: invalid log.format %q", c.Log.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("keymeter: config: metrics.path must start with /")
	}

	return nil
}
