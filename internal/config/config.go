package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Executor types
const (
	ExecutorHTTP = "http"
	ExecutorNATS = "nats"
)

// Config is the full server configuration
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	API       APIConfig       `mapstructure:"api"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Log       LogConfig       `mapstructure:"log"`
}

type SchedulerConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxConcurrentRuns int64         `mapstructure:"max_concurrent_runs"`
}

type ExecutorConfig struct {
	Type    string        `mapstructure:"type"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PlatformConfig locates the agent platform REST API
type PlatformConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	// RequestTimeout bounds agent lookups. Agent runs use executor.timeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LedgerConfig controls run history retention. Zero retention keeps runs forever.
type LedgerConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type MonitorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StuckAfter time.Duration `mapstructure:"stuck_after"`
}

type APIConfig struct {
	Addr            string   `mapstructure:"addr"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RunSummaryLimit int      `mapstructure:"run_summary_limit"`
}

type AgentsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.tick_interval", 30*time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.max_concurrent_runs", 64)

	v.SetDefault("executor.type", ExecutorHTTP)
	v.SetDefault("executor.timeout", 10*time.Minute)

	v.SetDefault("platform.base_url", "http://localhost:8000")
	v.SetDefault("platform.request_timeout", 30*time.Second)
	v.SetDefault("platform.max_attempts", 3)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "agent-scheduler")
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("database.path", "scheduler.db")

	v.SetDefault("ledger.retention", 30*24*time.Hour)
	v.SetDefault("ledger.prune_interval", 24*time.Hour)

	v.SetDefault("monitor.interval", 30*time.Second)
	v.SetDefault("monitor.stuck_after", 30*time.Minute)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.run_summary_limit", 5)

	v.SetDefault("agents.cache_ttl", time.Minute)

	v.SetDefault("log.development", false)
}

// Load reads config.yaml from the given directories, if present, and applies
// SCHEDULER_* environment overrides, e.g. SCHEDULER_SCHEDULER_TICK_INTERVAL=10s.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("SCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 || time.Minute%c.Scheduler.TickInterval != 0 {
		return fmt.Errorf("scheduler.tick_interval must divide 1m, got %s", c.Scheduler.TickInterval)
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if c.Scheduler.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_runs must be positive")
	}
	if c.Executor.Type != ExecutorHTTP && c.Executor.Type != ExecutorNATS {
		return fmt.Errorf("executor.type must be %q or %q, got %q", ExecutorHTTP, ExecutorNATS, c.Executor.Type)
	}
	// agents are resolved on the platform whichever executor runs them
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
