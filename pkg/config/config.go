package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all manager configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Pool    PoolConfig    `yaml:"pool"`
	Convert ConvertConfig `yaml:"convert"`
	Cache   CacheConfig   `yaml:"cache"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

// ServiceConfig controls how office service instances are launched and
// supervised.
type ServiceConfig struct {
	Binary          string        `yaml:"binary"`      // empty = autodetect
	Host            string        `yaml:"host"`
	ProfileDir      string        `yaml:"profile_dir"` // per-instance profiles live under here
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	StartupTimeout  time.Duration `yaml:"startup_timeout"`
	StartupAttempts int           `yaml:"startup_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	RestartPerMin   int           `yaml:"restart_per_min"` // 0 = unthrottled
}

// PoolConfig controls connection pool sizing.
type PoolConfig struct {
	BasePort       int           `yaml:"base_port"`
	MaxSize        int           `yaml:"max_size"` // 0 = NumCPU
	MinIdle        int           `yaml:"min_idle"`
	IdleTTL        time.Duration `yaml:"idle_ttl"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// ConvertConfig controls job dispatch.
type ConvertConfig struct {
	MaxRetries     int               `yaml:"max_retries"` // an explicit 0 disables retries
	JobTimeout     time.Duration     `yaml:"job_timeout"`
	OutputDir      string            `yaml:"output_dir"`
	TempDir        string            `yaml:"temp_dir"`
	TransientCodes []string          `yaml:"transient_codes"` // nil = built-in defaults
	Filters        map[string]string `yaml:"filters"`         // target format overrides
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend"` // memory, sqlite, or redis
	TTL           time.Duration `yaml:"ttl"`     // 0 disables caching
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	DBPath        string        `yaml:"db_path"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// HistoryConfig controls the conversion ledger.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Host:            "localhost",
			ConnectTimeout:  5 * time.Second,
			StartupTimeout:  30 * time.Second,
			StartupAttempts: 3,
			RetryBackoff:    500 * time.Millisecond,
			StopTimeout:     10 * time.Second,
		},
		Pool: PoolConfig{
			BasePort:       2002,
			MinIdle:        1,
			IdleTTL:        5 * time.Minute,
			AcquireTimeout: 30 * time.Second,
		},
		Convert: ConvertConfig{
			MaxRetries: 2,
			JobTimeout: 2 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:       "sqlite",
			TTL:           time.Hour,
			MaxEntries:    10000,
			SweepInterval: 10 * time.Minute,
			DBPath:        "datamax-cache.db",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "datamax-history.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}
