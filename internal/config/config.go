// Package config loads service configuration from pagevault.yaml and
// PAGEVAULT_* environment variables via viper.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pagevault/pagevault/internal/coalesce"
	"github.com/pagevault/pagevault/internal/dispatch"
	"github.com/pagevault/pagevault/internal/pool"
)

// Config is the full service configuration.
type Config struct {
	// DatabasePath is the SQLite database file. When empty, the
	// file-backed store under PagesDir is used instead.
	DatabasePath string `mapstructure:"database_path"`

	// PagesDir is the file store's page directory.
	PagesDir string `mapstructure:"pages_dir"`

	// LogFile, when set, routes logs through a rotating file.
	LogFile string `mapstructure:"log_file"`

	// Verbose enables debug-level state transition logging.
	Verbose bool `mapstructure:"verbose"`

	// PushPort is the WebSocket push server's listen port.
	PushPort int `mapstructure:"push_port"`

	Pool struct {
		MaxPoolSize       int           `mapstructure:"max_pool_size"`
		MinIdle           int           `mapstructure:"min_idle"`
		ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
		IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
		MaxLifetime       time.Duration `mapstructure:"max_lifetime"`
		LeakDetection     time.Duration `mapstructure:"leak_detection"`
		MaxRetries        int           `mapstructure:"max_retries"`
		BackoffBase       time.Duration `mapstructure:"backoff_base"`
	} `mapstructure:"pool"`

	Dispatcher struct {
		Workers      int           `mapstructure:"workers"`
		DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	} `mapstructure:"dispatcher"`

	Coalescer struct {
		QuiescenceWindow time.Duration `mapstructure:"quiescence_window"`
	} `mapstructure:"coalescer"`
}

// setDefaults registers the deployment defaults on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "")
	v.SetDefault("pages_dir", "pages")
	v.SetDefault("log_file", "")
	v.SetDefault("verbose", false)
	v.SetDefault("push_port", 8080)

	v.SetDefault("pool.max_pool_size", 10)
	v.SetDefault("pool.min_idle", 2)
	v.SetDefault("pool.connection_timeout", 30*time.Second)
	v.SetDefault("pool.idle_timeout", 10*time.Minute)
	v.SetDefault("pool.max_lifetime", 30*time.Minute)
	v.SetDefault("pool.leak_detection", 60*time.Second)
	v.SetDefault("pool.max_retries", 3)
	v.SetDefault("pool.backoff_base", time.Second)

	v.SetDefault("dispatcher.workers", 10)
	v.SetDefault("dispatcher.drain_timeout", 60*time.Second)

	v.SetDefault("coalescer.quiescence_window", 2*time.Second)
}

// Load reads configuration from the given file (optional), the working
// directory, and the environment. A missing config file is not an error;
// defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAGEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pagevault")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Pool.MaxPoolSize <= 0 {
		return fmt.Errorf("pool.max_pool_size must be positive, got %d", c.Pool.MaxPoolSize)
	}
	if c.Pool.MinIdle < 0 || c.Pool.MinIdle > c.Pool.MaxPoolSize {
		return fmt.Errorf("pool.min_idle %d out of range [0, %d]", c.Pool.MinIdle, c.Pool.MaxPoolSize)
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive, got %d", c.Dispatcher.Workers)
	}
	if c.Coalescer.QuiescenceWindow <= 0 {
		return fmt.Errorf("coalescer.quiescence_window must be positive, got %v", c.Coalescer.QuiescenceWindow)
	}
	return nil
}

// PoolConfig materializes the pool section.
func (c *Config) PoolConfig(logger *log.Logger) *pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MaxPoolSize = c.Pool.MaxPoolSize
	cfg.MinIdle = c.Pool.MinIdle
	cfg.ConnectionTimeout = c.Pool.ConnectionTimeout
	cfg.IdleTimeout = c.Pool.IdleTimeout
	cfg.MaxLifetime = c.Pool.MaxLifetime
	cfg.LeakDetectionThreshold = c.Pool.LeakDetection
	cfg.MaxRetries = c.Pool.MaxRetries
	cfg.BackoffBase = c.Pool.BackoffBase
	if logger != nil {
		cfg.Logger = logger
	}
	return cfg
}

// DispatcherConfig materializes the dispatcher section.
func (c *Config) DispatcherConfig(logger *log.Logger) *dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.Workers = c.Dispatcher.Workers
	cfg.DrainTimeout = c.Dispatcher.DrainTimeout
	cfg.Verbose = c.Verbose
	if logger != nil {
		cfg.Logger = logger
	}
	return cfg
}

// CoalescerConfig materializes the coalescer section.
func (c *Config) CoalescerConfig(logger *log.Logger) *coalesce.Config {
	cfg := coalesce.DefaultConfig()
	cfg.QuiescenceWindow = c.Coalescer.QuiescenceWindow
	cfg.Verbose = c.Verbose
	if logger != nil {
		cfg.Logger = logger
	}
	return cfg
}
