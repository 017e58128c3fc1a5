package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/loykin/clustr/internal/store"
)

// Conn is one pooled driver connection. Every use holds the connection's
// mutex, so a Conn is never driven by two goroutines at once even when it is
// shared through GetConnection.
type Conn struct {
	mu      sync.Mutex
	conn    *sql.Conn
	storage string
	dialect store.Dialect
	config  store.Config

	// guarded by the owning storage entry's mutex
	checkedOut bool
	closed     bool
}

// Storage returns the storage type this connection belongs to.
func (c *Conn) Storage() string { return c.storage }

// Dialect returns the SQL dialect of the underlying driver.
func (c *Conn) Dialect() store.Dialect { return c.dialect }

// Schema returns the schema configured for the storage type.
func (c *Conn) Schema() string { return c.config.Schema }

// Table returns name with the storage's table prefix applied.
func (c *Conn) Table(name string) string { return c.config.Table(name) }

// Ping verifies the connection is alive.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.PingContext(ctx)
}

// Do runs fn with exclusive use of the connection. Queries issued through q
// may use '?' placeholders regardless of dialect. Rows opened by fn must be
// closed before it returns.
func (c *Conn) Do(ctx context.Context, fn func(q store.Querier) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(boundQuerier{q: c.conn, dialect: c.dialect})
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (c *Conn) WithTx(ctx context.Context, fn func(q store.Querier) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(boundQuerier{q: tx, dialect: c.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ExecContext executes a statement that returns no rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := c.Do(ctx, func(q store.Querier) error {
		var err error
		res, err = q.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// QueryRowScan runs a single-row query and scans it into dest.
// It returns sql.ErrNoRows when nothing matched.
func (c *Conn) QueryRowScan(ctx context.Context, query string, args []interface{}, dest ...interface{}) error {
	return c.Do(ctx, func(q store.Querier) error {
		return q.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}

func (c *Conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

type boundQuerier struct {
	q       store.Querier
	dialect store.Dialect
}

func (b boundQuerier) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return b.q.QueryContext(ctx, b.dialect.Rebind(query), args...)
}

func (b boundQuerier) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return b.q.ExecContext(ctx, b.dialect.Rebind(query), args...)
}

func (b boundQuerier) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return b.q.QueryRowContext(ctx, b.dialect.Rebind(query), args...)
}
