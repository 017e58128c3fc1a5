package store

import (
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresDSN builds a keyword/value DSN understood by pgx.
func postgresDSN(config Config) string {
	// Set defaults
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	// Add additional options in a stable order
	keys := make([]string, 0, len(config.Options))
	for k := range config.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dsn += fmt.Sprintf(" %s=%s", k, config.Options[k])
	}
	return dsn
}

func openPostgres(config Config) (*sql.DB, error) {
	dsn := config.DSN
	if dsn == "" {
		dsn = postgresDSN(config)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
	}
	return db, nil
}
