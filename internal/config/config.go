// Package config loads a node's TOML configuration with viper.
//
// Every key can be overridden from the environment as CLUSTR_<SECTION>_<KEY>
// (for example CLUSTR_DIRECTORY_LIVENESS_TIMEOUT). Files listed in env_files
// are loaded into the process environment first, without replacing variables
// that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/clustr/internal/cron"
	"github.com/loykin/clustr/internal/directory"
	"github.com/loykin/clustr/internal/logger"
	"github.com/loykin/clustr/internal/query"
	"github.com/loykin/clustr/internal/schemadb"
	"github.com/loykin/clustr/internal/store"
	tlsx "github.com/loykin/clustr/internal/tls"
)

const EnvPrefix = "CLUSTR"

var ErrInvalid = errors.New("invalid configuration")

// Config represents the top-level TOML structure.
type Config struct {
	ClusterName       string                `mapstructure:"cluster_name"`
	EnvFiles          []string              `mapstructure:"env_files"`
	StartupStatements []string              `mapstructure:"startup_statements"`
	Process           directory.ProcessSpec `mapstructure:"process"`
	Directory         DirectoryConfig       `mapstructure:"directory"`
	Query             query.Config          `mapstructure:"query"`
	Schemas           schemadb.Schemas      `mapstructure:"schemas"`
	Storages          []StorageConfig       `mapstructure:"storages"`
	Log               LogConfig             `mapstructure:"log"`
	Metrics           MetricsConfig         `mapstructure:"metrics"`
	Server            ServerConfig          `mapstructure:"server"`
	History           HistoryConfig         `mapstructure:"history"`
}

type DirectoryConfig struct {
	Storage         string        `mapstructure:"storage"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	PulseInterval   time.Duration `mapstructure:"pulse_interval"`
	// SweepSchedule purges dead records of the cluster on a cron schedule
	// when set, e.g. "@every 1m".
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// StorageConfig is one [[storages]] entry. PasswordEnv names an environment
// variable holding the password so it can stay out of the file.
type StorageConfig struct {
	Name         string `mapstructure:"name"`
	PasswordEnv  string `mapstructure:"password_env"`
	store.Config `mapstructure:",squash"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      tlsx.Config `mapstructure:"tls"`
}

// HistoryConfig lists history sink DSNs; see history/factory.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("directory.storage", query.DefaultStorage)
	v.SetDefault("directory.liveness_timeout", directory.DefaultLivenessTimeout)
	v.SetDefault("directory.pulse_interval", time.Second)
	v.SetDefault("query.min_workers", query.DefaultMinWorkers)
	v.SetDefault("query.max_workers", query.DefaultMaxWorkers)
	v.SetDefault("query.queue_depth", query.DefaultQueueDepth)
	v.SetDefault("query.idle_timeout", query.DefaultIdleTimeout)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.timestamps", true)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("server.base_path", "/api")
	// registered so the environment can override them
	v.SetDefault("cluster_name", "")
	v.SetDefault("process.type", "")
	v.SetDefault("process.name", "")
	v.SetDefault("process.version", "")
	v.SetDefault("process.address", "")
	v.SetDefault("process.tcp_port", 0)
	v.SetDefault("process.udp_port", 0)
	v.SetDefault("directory.sweep_schedule", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("metrics.enabled", false)
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	if err := applyEnvFiles(path); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	for i := range c.Storages {
		if env := c.Storages[i].PasswordEnv; env != "" && c.Storages[i].Password == "" {
			c.Storages[i].Password = os.Getenv(env)
		}
	}
	if c.Schemas.Storage == "" {
		c.Schemas.Storage = c.Directory.Storage
	}
	if c.Query.DefaultStorage == "" {
		c.Query.DefaultStorage = c.Schemas.Storage
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ClusterName) == "" {
		errs = append(errs, errors.New("cluster_name is required"))
	}
	if len(c.Storages) == 0 {
		errs = append(errs, errors.New("at least one [[storages]] entry is required"))
	}
	drivers := store.SupportedDrivers()
	seen := make(map[string]bool, len(c.Storages))
	for i, s := range c.Storages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("storages[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("storages[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if !slices.Contains(drivers, strings.ToLower(s.Driver)) {
			errs = append(errs, fmt.Errorf("storages[%d]: unsupported driver %q", i, s.Driver))
		}
	}
	if len(c.Storages) > 0 {
		if !seen[c.Directory.Storage] {
			errs = append(errs, fmt.Errorf("directory.storage %q is not declared in [[storages]]", c.Directory.Storage))
		}
		if c.Schemas.Storage != "" && !seen[c.Schemas.Storage] {
			errs = append(errs, fmt.Errorf("schemas.storage %q is not declared in [[storages]]", c.Schemas.Storage))
		}
	}
	if c.Query.MinWorkers < 1 || c.Query.MinWorkers > c.Query.MaxWorkers {
		errs = append(errs, fmt.Errorf("query workers must satisfy 1 <= min_workers (%d) <= max_workers (%d)", c.Query.MinWorkers, c.Query.MaxWorkers))
	}
	if c.Query.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("query.queue_depth must be positive, got %d", c.Query.QueueDepth))
	}
	if c.Directory.PulseInterval <= 0 {
		errs = append(errs, errors.New("directory.pulse_interval must be positive"))
	}
	if c.Directory.LivenessTimeout <= c.Directory.PulseInterval {
		errs = append(errs, fmt.Errorf("directory.liveness_timeout (%s) must exceed pulse_interval (%s)", c.Directory.LivenessTimeout, c.Directory.PulseInterval))
	}
	if c.Directory.SweepSchedule != "" {
		if _, err := cron.ParseSchedule(c.Directory.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("directory.sweep_schedule: %w", err))
		}
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Storage returns the named storage entry.
func (c *Config) Storage(name string) (StorageConfig, bool) {
	for _, s := range c.Storages {
		if s.Name == name {
			return s, true
		}
	}
	return StorageConfig{}, false
}

// Logger converts the [log] section.
func (l LogConfig) Logger() logger.Config {
	lvl, _ := logger.ParseLevel(l.Level)
	format := logger.FormatText
	if strings.EqualFold(l.Format, string(logger.FormatJSON)) {
		format = logger.FormatJSON
	}
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      lvl,
			Format:     format,
			Color:      l.Color,
			TimeStamps: l.TimeStamps,
			Source:     l.Source,
		},
		File: logger.FileConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// applyEnvFiles reads only env_files from the config and exports their
// variables. Relative paths are resolved against the config's directory.
func applyEnvFiles(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	for _, f := range v.GetStringSlice("env_files") {
		if !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		pairs, err := loadEnvFile(f)
		if err != nil {
			return fmt.Errorf("env file %s: %w", f, err)
		}
		for k, val := range pairs {
			if _, set := os.LookupEnv(k); !set {
				if err := os.Setenv(k, val); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
