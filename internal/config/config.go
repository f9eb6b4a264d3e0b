// Package config provides configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	APIKey      string   `mapstructure:"apikey"`

	// File paths
	DatabasePath string `mapstructure:"storagepath"`
	DatabaseName string `mapstructure:"-"` // Derived from other settings

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseMaxOpenConns  int `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns  int `mapstructure:"dbmaxidleconns"`
	StorageTimeoutSeconds int `mapstructure:"storagetimeoutseconds"`

	// Cache settings
	CacheBackend    string `mapstructure:"cachebackend"`
	CacheURL        string `mapstructure:"cacheurl"`
	CacheTTLSeconds int    `mapstructure:"cachettlseconds"`
	CacheMaxCostMb  int    `mapstructure:"cachemaxcostmb"`

	// Rollup scheduling settings
	RollupEnabled     bool `mapstructure:"rollupenabled"`
	Rollup1mDelaySecs int  `mapstructure:"rollup1mdelayseconds"`
	Rollup5mDelaySecs int  `mapstructure:"rollup5mdelayseconds"`
	Rollup1hDelaySecs int  `mapstructure:"rollup1hdelayseconds"`
	RollupTimeoutSecs int  `mapstructure:"rolluptimeoutseconds"`
}

// Load reads the configuration from defaults and TALLY_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("appname", "tally")
	v.SetDefault("appport", "3000")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelInfo))
	v.SetDefault("apikey", "")
	v.SetDefault("storagepath", "storage")
	v.SetDefault("logsdir", "")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)
	v.SetDefault("storagetimeoutseconds", 10)
	v.SetDefault("cachebackend", CacheMemory)
	v.SetDefault("cacheurl", "redis://localhost:6379/0")
	v.SetDefault("cachettlseconds", 60)
	v.SetDefault("cachemaxcostmb", 64)
	v.SetDefault("rollupenabled", true)
	v.SetDefault("rollup1mdelayseconds", 10)
	v.SetDefault("rollup5mdelayseconds", 30)
	v.SetDefault("rollup1hdelayseconds", 60)
	v.SetDefault("rolluptimeoutseconds", 50)

	bindings := map[string]string{
		"appname":               "TALLY_APP_NAME",
		"appport":               "TALLY_APP_PORT",
		"environment":           "TALLY_ENV",
		"loglevel":              "TALLY_LOG_LEVEL",
		"apikey":                "TALLY_API_KEY",
		"storagepath":           "TALLY_STORAGE_PATH",
		"logsdir":               "TALLY_LOGS_DIR",
		"logsmaxsizeinmb":       "TALLY_LOGS_MAX_SIZE_IN_MB",
		"logsmaxbackups":        "TALLY_LOGS_MAX_BACKUPS",
		"logsmaxageindays":      "TALLY_LOGS_MAX_AGE_IN_DAYS",
		"dbmaxopenconns":        "TALLY_DB_MAX_OPEN_CONNS",
		"dbmaxidleconns":        "TALLY_DB_MAX_IDLE_CONNS",
		"storagetimeoutseconds": "TALLY_STORAGE_TIMEOUT_SECONDS",
		"cachebackend":          "TALLY_CACHE_BACKEND",
		"cacheurl":              "TALLY_CACHE_URL",
		"cachettlseconds":       "TALLY_CACHE_TTL_SECONDS",
		"cachemaxcostmb":        "TALLY_CACHE_MAX_COST_MB",
		"rollupenabled":         "TALLY_ROLLUP_ENABLED",
		"rollup1mdelayseconds":  "TALLY_ROLLUP_1M_DELAY_SECONDS",
		"rollup5mdelayseconds":  "TALLY_ROLLUP_5M_DELAY_SECONDS",
		"rollup1hdelayseconds":  "TALLY_ROLLUP_1H_DELAY_SECONDS",
		"rolluptimeoutseconds":  "TALLY_ROLLUP_TIMEOUT_SECONDS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	cfg.DatabaseName = cfg.GetDatabasePath()
	return cfg, nil
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validLevels := map[LogLevel]bool{
		LogLevelDebug: true,
		LogLevelInfo:  true,
		LogLevelWarn:  true,
		LogLevelError: true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	validBackends := map[string]bool{
		CacheMemory: true,
		CacheRedis:  true,
		CacheNone:   true,
	}
	if !validBackends[c.CacheBackend] {
		return fmt.Errorf("invalid cache backend: %s", c.CacheBackend)
	}

	if c.StorageTimeoutSeconds <= 0 {
		return errors.New("storage timeout must be positive")
	}
	if c.RollupTimeoutSecs <= 0 {
		return errors.New("rollup timeout must be positive")
	}
	if c.Rollup1mDelaySecs < 0 || c.Rollup5mDelaySecs < 0 || c.Rollup1hDelaySecs < 0 {
		return errors.New("rollup delays cannot be negative")
	}

	if c.IsProduction() && c.APIKey == "" {
		return errors.New("production requires TALLY_API_KEY")
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// IsDebug reports whether internal error detail may be exposed in responses.
func (c *Config) IsDebug() bool {
	return c.LogLevel == LogLevelDebug
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10 (concurrent readers while the rollup writer runs)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// StorageTimeout bounds every storage-touching request.
func (c *Config) StorageTimeout() time.Duration {
	return time.Duration(c.StorageTimeoutSeconds) * time.Second
}

// CacheTTL returns how long query results stay cached.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RollupTimeout bounds a single aggregation tick.
func (c *Config) RollupTimeout() time.Duration {
	return time.Duration(c.RollupTimeoutSecs) * time.Second
}

// RollupDelays returns the start delay for the 1m, 5m and 1h jobs.
func (c *Config) RollupDelays() (time.Duration, time.Duration, time.Duration) {
	return time.Duration(c.Rollup1mDelaySecs) * time.Second,
		time.Duration(c.Rollup5mDelaySecs) * time.Second,
		time.Duration(c.Rollup1hDelaySecs) * time.Second
}
