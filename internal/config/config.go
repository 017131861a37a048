// Package config loads runtime settings for the companion services. Values
// come from, in increasing precedence: built-in defaults, an optional YAML
// file, and environment variables with the RUNE_ prefix. A .env file in the
// working directory is loaded into the environment first.
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

// Duration wraps time.Duration so YAML can decode values like "15s" or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all settings for the companion services.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Memory      MemoryConfig      `yaml:"memory"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Server      ServerConfig      `yaml:"server"`
	Planner     PlannerConfig     `yaml:"planner"`
}

// StorageConfig selects and configures the database backend.
type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn"`
}

// MemoryConfig tunes retention policy.
type MemoryConfig struct {
	MemoryEvictionFloor float64 `yaml:"memory_eviction_floor"`
	FactEvictionFloor   float64 `yaml:"fact_eviction_floor"`
	MaxPerUser          int     `yaml:"max_per_user"`
	MaxPerRoom          int     `yaml:"max_per_room"`
	MaxPerRelationship  int     `yaml:"max_per_relationship"`
	MaxGlobal           int     `yaml:"max_global"`
}

// SchedulerConfig tunes the task dispatch loop.
type SchedulerConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Interval   Duration `yaml:"interval"`
	RetryDelay Duration `yaml:"retry_delay"`
	BatchLimit int      `yaml:"batch_limit"`
	// SendRate caps outbound messages per second. Zero disables throttling.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// MaintenanceConfig tunes the housekeeping pass.
type MaintenanceConfig struct {
	Schedule   string   `yaml:"schedule"`
	ClaimLease Duration `yaml:"claim_lease"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthToken protects the API. Empty disables authentication, which is
	// only sensible for local development.
	AuthToken string  `yaml:"auth_token"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// PlannerConfig tunes plan application.
type PlannerConfig struct {
	// FactKeyAllowlist restricts which fact keys plans may write. Empty
	// allows any key.
	FactKeyAllowlist []string `yaml:"fact_key_allowlist"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "./data/companion.db",
		},
		Memory: MemoryConfig{
			MemoryEvictionFloor: 0.03,
			FactEvictionFloor:   0.05,
			MaxPerUser:          800,
			MaxPerRoom:          400,
			MaxPerRelationship:  600,
			MaxGlobal:           800,
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Interval:   Duration(15 * time.Second),
			RetryDelay: Duration(time.Minute),
			BatchLimit: 32,
			SendBurst:  1,
		},
		Maintenance: MaintenanceConfig{
			Schedule:   "@every 10m",
			ClaimLease: Duration(10 * time.Minute),
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8990",
			RateLimit: 20,
			RateBurst: 40,
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty, the
// RUNE_CONFIG_FILE variable is consulted and then ./rune.yaml. A missing
// file is only an error when it was explicitly requested.
func Load(path string) (*Config, error) {
	// Best effort: a missing .env file is normal.
	_ = godotenv.Load()

	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("RUNE_CONFIG_FILE")
		explicit = path != ""
	}
	if path == "" {
		path = "rune.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file; defaults plus environment apply.
	default:
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with RUNE_-prefixed environment variables.
func (c *Config) applyEnv() {
	c.Storage.Driver = getEnv("RUNE_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("RUNE_STORAGE_DSN", c.Storage.DSN)

	c.Memory.MemoryEvictionFloor = getEnvFloat("RUNE_MEMORY_EVICTION_FLOOR", c.Memory.MemoryEvictionFloor)
	c.Memory.FactEvictionFloor = getEnvFloat("RUNE_FACT_EVICTION_FLOOR", c.Memory.FactEvictionFloor)
	c.Memory.MaxPerUser = getEnvInt("RUNE_MEMORY_MAX_PER_USER", c.Memory.MaxPerUser)
	c.Memory.MaxPerRoom = getEnvInt("RUNE_MEMORY_MAX_PER_ROOM", c.Memory.MaxPerRoom)
	c.Memory.MaxPerRelationship = getEnvInt("RUNE_MEMORY_MAX_PER_RELATIONSHIP", c.Memory.MaxPerRelationship)
	c.Memory.MaxGlobal = getEnvInt("RUNE_MEMORY_MAX_GLOBAL", c.Memory.MaxGlobal)

	c.Scheduler.Enabled = getEnvBool("RUNE_SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.Interval = getEnvDuration("RUNE_SCHEDULER_INTERVAL", c.Scheduler.Interval)
	c.Scheduler.RetryDelay = getEnvDuration("RUNE_SCHEDULER_RETRY_DELAY", c.Scheduler.RetryDelay)
	c.Scheduler.BatchLimit = getEnvInt("RUNE_SCHEDULER_BATCH_LIMIT", c.Scheduler.BatchLimit)
	c.Scheduler.SendRate = getEnvFloat("RUNE_SCHEDULER_SEND_RATE", c.Scheduler.SendRate)
	c.Scheduler.SendBurst = getEnvInt("RUNE_SCHEDULER_SEND_BURST", c.Scheduler.SendBurst)

	c.Maintenance.Schedule = getEnv("RUNE_MAINTENANCE_SCHEDULE", c.Maintenance.Schedule)
	c.Maintenance.ClaimLease = getEnvDuration("RUNE_MAINTENANCE_CLAIM_LEASE", c.Maintenance.ClaimLease)

	c.Server.Addr = getEnv("RUNE_SERVER_ADDR", c.Server.Addr)
	c.Server.AuthToken = getEnv("RUNE_API_TOKEN", c.Server.AuthToken)
	c.Server.RateLimit = getEnvFloat("RUNE_SERVER_RATE_LIMIT", c.Server.RateLimit)
	c.Server.RateBurst = getEnvInt("RUNE_SERVER_RATE_BURST", c.Server.RateBurst)

	if v := os.Getenv("RUNE_FACT_KEY_ALLOWLIST"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		c.Planner.FactKeyAllowlist = keys
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("config: storage dsn is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return fallback
}
