// Package config loads flowd configuration from TOML files and
// FLOWD_-prefixed environment variables using Viper.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/crewflow/flowd/errors"
)

// Config is the root flowd configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig configures SQLite persistence.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Backend modes for EngineConfig.BackendMode.
const (
	BackendModeRemote    = "remote"
	BackendModeSimulated = "simulated"
)

// EngineConfig configures the execution engine.
type EngineConfig struct {
	// MaxConcurrentExecutions bounds the execution pool. Submissions
	// beyond the bound are rejected and the execution stays pending.
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`

	// BackendMode selects the task runner: "remote" or "simulated".
	BackendMode string `mapstructure:"backend_mode"`

	// BackendURL is the base URL of the remote task-execution backend.
	BackendURL string `mapstructure:"backend_url"`

	// BackendTimeoutSeconds bounds a single backend call. Zero means
	// no client-side timeout (the backend call may block indefinitely).
	BackendTimeoutSeconds int `mapstructure:"backend_timeout_seconds"`
}

// SchedulerConfig configures the cron scheduler.
type SchedulerConfig struct {
	// TickIntervalSeconds is how often the scheduler checks for due jobs.
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

// LogConfig configures logging output.
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Load reads configuration from the default sources: defaults, an
// optional flowd.toml in the working directory, then FLOWD_ env vars.
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("flowd")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/flowd")

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine - defaults and env vars apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("FLOWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks constraints the type system cannot express.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentExecutions < 1 {
		return errors.Newf("engine.max_concurrent_executions must be >= 1, got %d", c.Engine.MaxConcurrentExecutions)
	}
	if c.Scheduler.TickIntervalSeconds < 1 {
		return errors.Newf("scheduler.tick_interval_seconds must be >= 1, got %d", c.Scheduler.TickIntervalSeconds)
	}
	switch c.Engine.BackendMode {
	case BackendModeRemote, BackendModeSimulated:
	default:
		return errors.Newf("engine.backend_mode must be \"remote\" or \"simulated\", got %q", c.Engine.BackendMode)
	}
	if c.Engine.BackendMode == BackendModeRemote && c.Engine.BackendURL == "" {
		return errors.New("engine.backend_url is required when backend_mode is \"remote\"")
	}
	return nil
}
