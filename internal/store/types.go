package store

import (
	"fmt"
	"strings"
	"time"
)

// Default pool sizes per dialect.
const (
	DefaultSQLiteMaxConns   = 1
	DefaultPostgresMaxConns = 10
)

// Config describes how to reach one logical storage target.
// Schema is the namespace queries qualify their tables with ("main" for SQLite,
// a PostgreSQL schema otherwise). For SQLite, Path (or Host when Path is empty)
// is the database file.
type Config struct {
	Driver string `toml:"driver" mapstructure:"driver" json:"driver"` // "sqlite", "postgres", "postgresql"
	DSN    string `toml:"dsn,omitempty" mapstructure:"dsn" json:"dsn,omitempty"`
	Schema string `toml:"schema,omitempty" mapstructure:"schema" json:"schema,omitempty"`

	// SQLite specific
	Path string `toml:"path,omitempty" mapstructure:"path" json:"path,omitempty"`

	// PostgreSQL specific
	Host     string `toml:"host,omitempty" mapstructure:"host" json:"host,omitempty"`
	Port     int    `toml:"port,omitempty" mapstructure:"port" json:"port,omitempty"`
	Database string `toml:"database,omitempty" mapstructure:"database" json:"database,omitempty"`
	Username string `toml:"username,omitempty" mapstructure:"username" json:"username,omitempty"`
	Password string `toml:"password,omitempty" mapstructure:"password" json:"-"`
	SSLMode  string `toml:"ssl_mode,omitempty" mapstructure:"ssl_mode" json:"ssl_mode,omitempty"`

	// Connection pooling
	MaxConns   int           `toml:"max_conns,omitempty" mapstructure:"max_conns" json:"max_conns,omitempty"`
	ConnMaxAge time.Duration `toml:"conn_max_age,omitempty" mapstructure:"conn_max_age" json:"conn_max_age,omitempty"`

	// Additional options
	TablePrefix string            `toml:"table_prefix,omitempty" mapstructure:"table_prefix" json:"table_prefix,omitempty"`
	Options     map[string]string `toml:"options,omitempty" mapstructure:"options" json:"options,omitempty"`
}

// Equal reports whether two configs point at the same target with the same credentials.
func (c Config) Equal(o Config) bool {
	return c.Driver == o.Driver && c.DSN == o.DSN && c.Schema == o.Schema &&
		c.Path == o.Path && c.Host == o.Host && c.Port == o.Port &&
		c.Database == o.Database && c.Username == o.Username && c.Password == o.Password
}

// PoolSize returns MaxConns or the dialect default.
func (c Config) PoolSize() int {
	if c.MaxConns > 0 {
		return c.MaxConns
	}
	if DialectFor(c.Driver) == DialectPostgres {
		return DefaultPostgresMaxConns
	}
	return DefaultSQLiteMaxConns
}

// Table returns name with the configured prefix applied.
func (c Config) Table(name string) string {
	return c.TablePrefix + name
}

// String renders the config without the password, for logs.
func (c Config) String() string {
	switch DialectFor(c.Driver) {
	case DialectPostgres:
		return fmt.Sprintf("%s://%s@%s:%d/%s", c.Driver, c.Username, c.Host, c.Port, c.Database)
	default:
		p := c.Path
		if p == "" {
			p = c.Host
		}
		return fmt.Sprintf("%s://%s", c.Driver, p)
	}
}

// ConfigFromDSN builds a Config from a single DSN string.
// Supported:
//   - sqlite:  "sqlite:///<path>" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func ConfigFromDSN(dsn string) (Config, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return Config{}, fmt.Errorf("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return Config{Driver: "postgres", DSN: d}, nil
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return Config{Driver: "sqlite", Path: strings.TrimPrefix(d, "sqlite://")}, nil
	}
	if strings.Contains(d, "://") {
		return Config{}, fmt.Errorf("unsupported DSN: %s", d)
	}
	return Config{Driver: "sqlite", Path: d}, nil
}
