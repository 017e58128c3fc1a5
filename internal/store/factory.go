package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Opener opens a database handle for a config. It must not ping.
type Opener func(config Config) (*sql.DB, error)

type driverEntry struct {
	dialect Dialect
	open    Opener
}

// DefaultFactory maps driver names to openers.
type DefaultFactory struct {
	drivers map[string]driverEntry
	mu      sync.RWMutex
}

var (
	// Global factory instance
	globalFactory = &DefaultFactory{
		drivers: make(map[string]driverEntry),
	}
)

func init() {
	// Register built-in drivers
	RegisterDriver("sqlite", DialectSQLite, openSQLite)
	RegisterDriver("postgres", DialectPostgres, openPostgres)
	RegisterDriver("postgresql", DialectPostgres, openPostgres)
}

// RegisterDriver registers a driver with the global factory
func RegisterDriver(name string, dialect Dialect, open Opener) {
	globalFactory.RegisterDriver(name, dialect, open)
}

// Open opens a database handle using the global factory
func Open(config Config) (*sql.DB, Dialect, error) {
	return globalFactory.Open(config)
}

// SupportedDrivers returns supported driver names from the global factory
func SupportedDrivers() []string {
	return globalFactory.SupportedDrivers()
}

// RegisterDriver registers a new driver
func (f *DefaultFactory) RegisterDriver(name string, dialect Dialect, open Opener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drivers[strings.ToLower(name)] = driverEntry{dialect: dialect, open: open}
}

// Open opens a handle and applies the pool limits from config.
func (f *DefaultFactory) Open(config Config) (*sql.DB, Dialect, error) {
	f.mu.RLock()
	entry, exists := f.drivers[strings.ToLower(config.Driver)]
	f.mu.RUnlock()

	if !exists {
		return nil, "", fmt.Errorf("unsupported driver: %s (supported: %v)", config.Driver, f.SupportedDrivers())
	}

	db, err := entry.open(config)
	if err != nil {
		return nil, "", err
	}
	size := config.PoolSize()
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	if config.ConnMaxAge > 0 {
		db.SetConnMaxLifetime(config.ConnMaxAge)
	}
	return db, entry.dialect, nil
}

// SupportedDrivers returns a sorted list of supported driver names
func (f *DefaultFactory) SupportedDrivers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.drivers))
	for name := range f.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
