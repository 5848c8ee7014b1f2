// Package config loads supervisor configuration from environment variables,
// an optional config file, and built-in defaults, using viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the supervisor core reads.
type Config struct {
	DataRoot   string           `mapstructure:"dataRoot"`
	Debug      bool             `mapstructure:"debug"`
	MockOracle bool             `mapstructure:"mockOracle"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Iteration  IterationConfig  `mapstructure:"iteration"`
	LogManager LogManagerConfig `mapstructure:"logManager"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
}

// DatabaseConfig selects and configures the session store backend.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`   // sqlite file path, relative to DataRoot if not absolute
	DSN      string `mapstructure:"dsn"`    // postgres DSN
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// LoggingConfig configures the zap-backed logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkerConfig describes how worker children are spawned.
type WorkerConfig struct {
	Binary     string            `mapstructure:"binary"`
	Env        map[string]string `mapstructure:"env"`
	WakeLock   bool              `mapstructure:"wakeLock"`
	WakeLockBin string           `mapstructure:"wakeLockBin"`
}

// IterationConfig tunes the iteration engine's retry/backoff behavior.
type IterationConfig struct {
	ProbeTimeout       time.Duration `mapstructure:"probeTimeout"`
	IterationTimeout   time.Duration `mapstructure:"iterationTimeout"`
	AttemptBudget      int           `mapstructure:"attemptBudget"`
	BackoffBase        time.Duration `mapstructure:"backoffBase"`
	BackoffCap         time.Duration `mapstructure:"backoffCap"`
	DefaultResetWait   time.Duration `mapstructure:"defaultResetWait"`
	ForceKillDeadline  time.Duration `mapstructure:"forceKillDeadline"`
}

// LogManagerConfig tunes log rotation and retention.
type LogManagerConfig struct {
	MaxLogSizeMiB   int `mapstructure:"maxLogSizeMiB"`
	RetentionDays   int `mapstructure:"retentionDays"`
}

// CleanupConfig tunes the cleanup engine's retention policy.
type CleanupConfig struct {
	Interval           time.Duration    `mapstructure:"interval"`
	PreserveRecent     int              `mapstructure:"preserveRecent"`
	RetentionDays      map[string]int   `mapstructure:"retentionDays"`
	LegacyRegistryDays int              `mapstructure:"legacyRegistryDays"`
}

// OracleConfig configures the subprocess LLM oracle gateway.
type OracleConfig struct {
	Binary             string        `mapstructure:"binary"`
	CronTimeout        time.Duration `mapstructure:"cronTimeout"`
	ComplexityTimeout  time.Duration `mapstructure:"complexityTimeout"`
	MaxRetries         int           `mapstructure:"maxRetries"`
	CacheTTL           time.Duration `mapstructure:"cacheTTL"`
	CacheSize          int           `mapstructure:"cacheSize"`
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from configPath (a directory) or the
// default search locations if empty.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AFK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("dataRoot", "AFK_DATA_ROOT")
	_ = v.BindEnv("debug", "AFK_DEBUG")
	_ = v.BindEnv("mockOracle", "AFK_MOCK_ORACLE")
	_ = v.BindEnv("logging.level", "AFK_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/afk-supervisor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DataRoot == "" {
		cfg.DataRoot = defaultDataRoot()
	}
	var err error
	cfg.DataRoot, err = filepath.Abs(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving data root: %w", err)
	}

	return &cfg, nil
}

func defaultDataRoot() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "afk-supervisor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".afk-supervisor"
	}
	return filepath.Join(home, ".local", "share", "afk-supervisor")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "sessions.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("worker.binary", "afk-worker")
	v.SetDefault("worker.wakeLock", false)

	v.SetDefault("iteration.probeTimeout", 30*time.Second)
	v.SetDefault("iteration.iterationTimeout", 30*time.Minute)
	v.SetDefault("iteration.attemptBudget", 3)
	v.SetDefault("iteration.backoffBase", 1*time.Second)
	v.SetDefault("iteration.backoffCap", 10*time.Second)
	v.SetDefault("iteration.defaultResetWait", 15*time.Minute)
	v.SetDefault("iteration.forceKillDeadline", 5*time.Second)

	v.SetDefault("logManager.maxLogSizeMiB", 10)
	v.SetDefault("logManager.retentionDays", 30)

	v.SetDefault("cleanup.interval", 1*time.Hour)
	v.SetDefault("cleanup.preserveRecent", 10)
	v.SetDefault("cleanup.retentionDays", map[string]int{
		"completed": 7,
		"failed":    30,
		"error":     30,
		"stopped":   14,
	})
	v.SetDefault("cleanup.legacyRegistryDays", 7)

	v.SetDefault("oracle.binary", "afk-oracle")
	v.SetDefault("oracle.cronTimeout", 120*time.Second)
	v.SetDefault("oracle.complexityTimeout", 30*time.Second)
	v.SetDefault("oracle.maxRetries", 2)
	v.SetDefault("oracle.cacheTTL", 5*time.Minute)
	v.SetDefault("oracle.cacheSize", 100)
}
