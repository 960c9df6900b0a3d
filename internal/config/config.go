// Package config loads indexhub configuration from defaults, an optional
// YAML file, a .env file and INDEXHUB_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "INDEXHUB"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Search      SearchConfig      `mapstructure:"search"`
	Status      StatusConfig      `mapstructure:"status"`
	Health      HealthConfig      `mapstructure:"health"`
	Commands    CommandsConfig    `mapstructure:"commands"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	APIKey         string   `mapstructure:"api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SearchConfig bounds the search fan-out.
type SearchConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	IndexerTimeout time.Duration `mapstructure:"indexer_timeout"`
	OverallTimeout time.Duration `mapstructure:"overall_timeout"`
}

// StatusConfig controls the failure backoff.
type StatusConfig struct {
	InitialBackoff      time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxEscalation       int           `mapstructure:"max_escalation"`
	RequestLimitBackoff time.Duration `mapstructure:"request_limit_backoff"`
}

// HealthConfig holds the blocked indexer thresholds.
type HealthConfig struct {
	WarningMinBlocked   int           `mapstructure:"warning_min_blocked"`
	ErrorBlockedRatio   float64       `mapstructure:"error_blocked_ratio"`
	RecentFailureWindow time.Duration `mapstructure:"recent_failure_window"`
}

// CommandsConfig sizes the command queue.
type CommandsConfig struct {
	Workers   int           `mapstructure:"workers"`
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

// DefinitionsConfig locates Cardigann definitions.
type DefinitionsConfig struct {
	Dir        string `mapstructure:"dir"`
	CustomDir  string `mapstructure:"custom_dir"`
	Watch      bool   `mapstructure:"watch"`
	RemoteURL  string `mapstructure:"remote_url"`
	AutoUpdate bool   `mapstructure:"auto_update"`
}

// SecretsConfig holds the passphrase used to encrypt indexer settings.
type SecretsConfig struct {
	Key  string `mapstructure:"key"`
	Salt string `mapstructure:"salt"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           9797,
			AllowedOrigins: []string{},
		},
		Database: DatabaseConfig{
			Path: "./data/indexhub.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Search: SearchConfig{
			MaxConcurrency: 10,
			IndexerTimeout: 30 * time.Second,
			OverallTimeout: 90 * time.Second,
		},
		Status: StatusConfig{
			InitialBackoff:      5 * time.Minute,
			MaxBackoff:          24 * time.Hour,
			Multiplier:          2.0,
			MaxEscalation:       10,
			RequestLimitBackoff: time.Hour,
		},
		Health: HealthConfig{
			WarningMinBlocked:   1,
			ErrorBlockedRatio:   1.0,
			RecentFailureWindow: 6 * time.Hour,
		},
		Commands: CommandsConfig{
			Workers:   3,
			Retention: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Tick: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Dir:        "./data/definitions",
			CustomDir:  "./data/definitions/custom",
			Watch:      true,
			RemoteURL:  "https://indexers.prowlarr.com",
			AutoUpdate: true,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > .env file > config file > defaults
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.indexhub")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults mirrors Default so every key is known to viper and can be
// overridden from the environment.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("search.max_concurrency", d.Search.MaxConcurrency)
	v.SetDefault("search.indexer_timeout", d.Search.IndexerTimeout)
	v.SetDefault("search.overall_timeout", d.Search.OverallTimeout)

	v.SetDefault("status.initial_backoff", d.Status.InitialBackoff)
	v.SetDefault("status.max_backoff", d.Status.MaxBackoff)
	v.SetDefault("status.multiplier", d.Status.Multiplier)
	v.SetDefault("status.max_escalation", d.Status.MaxEscalation)
	v.SetDefault("status.request_limit_backoff", d.Status.RequestLimitBackoff)

	v.SetDefault("health.warning_min_blocked", d.Health.WarningMinBlocked)
	v.SetDefault("health.error_blocked_ratio", d.Health.ErrorBlockedRatio)
	v.SetDefault("health.recent_failure_window", d.Health.RecentFailureWindow)

	v.SetDefault("commands.workers", d.Commands.Workers)
	v.SetDefault("commands.retention", d.Commands.Retention)

	v.SetDefault("scheduler.tick", d.Scheduler.Tick)

	v.SetDefault("definitions.dir", d.Definitions.Dir)
	v.SetDefault("definitions.custom_dir", d.Definitions.CustomDir)
	v.SetDefault("definitions.watch", d.Definitions.Watch)
	v.SetDefault("definitions.remote_url", d.Definitions.RemoteURL)
	v.SetDefault("definitions.auto_update", d.Definitions.AutoUpdate)

	v.SetDefault("secrets.key", "")
	v.SetDefault("secrets.salt", "")
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Search.MaxConcurrency < 1 {
		errs = append(errs, errors.New("search.max_concurrency must be at least 1"))
	}
	if c.Status.Multiplier < 1 {
		errs = append(errs, errors.New("status.multiplier must be at least 1"))
	}
	if c.Health.ErrorBlockedRatio <= 0 || c.Health.ErrorBlockedRatio > 1 {
		errs = append(errs, errors.New("health.error_blocked_ratio must be in (0, 1]"))
	}
	if c.Commands.Workers < 1 {
		errs = append(errs, errors.New("commands.workers must be at least 1"))
	}
	if (c.Secrets.Key == "") != (c.Secrets.Salt == "") {
		errs = append(errs, errors.New("secrets.key and secrets.salt must be set together"))
	}
	return errors.Join(errs...)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
