package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteDSN builds a modernc.org/sqlite DSN. Every connection gets a busy
// timeout so short write locks between pooled connections are waited out.
func sqliteDSN(config Config) string {
	path := strings.TrimSpace(config.Path)
	if path == "" {
		path = strings.TrimSpace(config.Host)
	}
	if path == "" {
		path = ":memory:" // In-memory database if no path specified
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func openSQLite(config Config) (*sql.DB, error) {
	dsn := config.DSN
	if dsn == "" {
		dsn = sqliteDSN(config)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}
