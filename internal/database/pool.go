// Package database keeps named pools of validated database connections, one
// pool per storage type ("global", "galaxy", "config", ...).
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/clustr/internal/metrics"
	"github.com/loykin/clustr/internal/store"
)

var (
	ErrStorageExists  = errors.New("storage type already registered")
	ErrUnknownStorage = errors.New("unknown storage type")
	ErrPoolClosed     = errors.New("connection pool closed")
)

// Registry is the storage registry surface the rest of the system depends on.
type Registry interface {
	RegisterStorageType(ctx context.Context, name string, config store.Config) error
	HasStorageType(name string) bool
	HasConnection(name string) bool
	GetConnection(ctx context.Context, name string) (*Conn, error)
}

// Stats is a point-in-time view of one storage type's pool.
type Stats struct {
	Open  int `json:"open"`
	Idle  int `json:"idle"`
	InUse int `json:"in_use"`
	Max   int `json:"max"`
}

// Pool implements Registry. The type map has its own lock; each storage type
// carries a separate lock so types never contend with each other.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*storage
	closed  bool
	logger  *slog.Logger
}

type storage struct {
	name    string
	config  store.Config
	db      *sql.DB
	dialect store.Dialect

	mu      sync.Mutex
	shared  *Conn
	all     []*Conn
	idle    []*Conn
	pending int
	wake    chan struct{}
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for pool events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool returns an empty pool.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		entries: make(map[string]*storage),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ Registry = (*Pool)(nil)

// RegisterStorageType validates config by opening and pinging one connection,
// which then becomes the shared connection for name. A name can only be
// registered once.
//
// The shared connection is kept apart from the exclusive checkouts made by
// Acquire, so MaxConns bounds the exclusive connections and the handle may
// hold one more.
func (p *Pool) RegisterStorageType(ctx context.Context, name string, config store.Config) error {
	if name == "" {
		return fmt.Errorf("empty storage type name")
	}
	p.mu.RLock()
	_, exists := p.entries[name]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrStorageExists, name)
	}

	db, dialect, err := store.Open(config)
	if err != nil {
		return fmt.Errorf("storage %s: %w", name, err)
	}
	db.SetMaxOpenConns(config.PoolSize() + 1)
	db.SetMaxIdleConns(config.PoolSize() + 1)
	s := &storage{name: name, config: config, db: db, dialect: dialect, wake: make(chan struct{})}
	c, err := s.open(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("storage %s: validate %s: %w", name, config.String(), err)
	}
	s.shared = c
	s.all = append(s.all, c)

	p.mu.Lock()
	if _, exists := p.entries[name]; exists || p.closed {
		p.mu.Unlock()
		_ = c.close()
		_ = db.Close()
		if exists {
			return fmt.Errorf("%w: %s", ErrStorageExists, name)
		}
		return ErrPoolClosed
	}
	p.entries[name] = s
	p.mu.Unlock()

	metrics.SetPoolConnections(name, 1, 0)
	p.logger.Info("Storage type registered", "storage", name, "target", config.String(), "max_conns", config.PoolSize())
	return nil
}

// HasStorageType reports whether name has been registered.
func (p *Pool) HasStorageType(name string) bool {
	return p.lookup(name) != nil
}

// HasConnection reports whether at least one live connection exists for name.
func (p *Pool) HasConnection(name string) bool {
	s := p.lookup(name)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all) > 0
}

// GetConnection returns the shared connection for name, opening one from the
// stored configuration when none exists. Callers do not get exclusive use;
// the Conn serializes each call internally. Acquire never hands out the
// shared connection, so queued work cannot hold it.
func (p *Pool) GetConnection(ctx context.Context, name string) (*Conn, error) {
	s := p.lookup(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStorage, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrPoolClosed
	}
	if s.shared != nil && !s.shared.closed {
		return s.shared, nil
	}
	c, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", name, err)
	}
	s.shared = c
	s.all = append(s.all, c)
	s.report()
	return c, nil
}

// Acquire checks out a connection for exclusive use, growing the pool up to
// the configured size and otherwise waiting until one is released or ctx ends.
func (p *Pool) Acquire(ctx context.Context, name string) (*Conn, error) {
	s := p.lookup(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStorage, name)
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(s.idle); n > 0 {
			c := s.idle[n-1]
			s.idle = s.idle[:n-1]
			c.checkedOut = true
			s.report()
			s.mu.Unlock()
			return c, nil
		}
		if s.exclusive()+s.pending < s.config.PoolSize() {
			s.pending++
			s.mu.Unlock()
			c, err := s.open(ctx)
			s.mu.Lock()
			s.pending--
			if err != nil {
				s.broadcast()
				s.mu.Unlock()
				p.logger.Warn("Failed to open pooled connection", "storage", name, "error", err)
				return nil, fmt.Errorf("storage %s: %w", name, err)
			}
			if s.closed {
				s.mu.Unlock()
				_ = c.close()
				return nil, ErrPoolClosed
			}
			c.checkedOut = true
			s.all = append(s.all, c)
			s.report()
			s.mu.Unlock()
			return c, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection obtained from Acquire. Releasing twice is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	s := p.lookup(c.storage)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.checkedOut || c.closed {
		return
	}
	c.checkedOut = false
	if s.closed {
		return
	}
	s.idle = append(s.idle, c)
	s.report()
	s.broadcast()
}

// Stats returns pool occupancy for name.
func (p *Pool) Stats(name string) (Stats, bool) {
	s := p.lookup(name)
	if s == nil {
		return Stats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Open:  len(s.all),
		Idle:  len(s.idle),
		InUse: s.exclusive() - len(s.idle),
		Max:   s.config.PoolSize(),
	}, true
}

// StorageTypes returns the registered storage type names.
func (p *Pool) StorageTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.entries))
	for name := range p.entries {
		out = append(out, name)
	}
	return out
}

// Close closes every connection and handle. Connections still checked out
// are closed as well; callers must stop issuing work first.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*storage, 0, len(p.entries))
	for _, s := range p.entries {
		entries = append(entries, s)
	}
	p.mu.Unlock()

	var errs []error
	for _, s := range entries {
		s.mu.Lock()
		s.closed = true
		conns := s.all
		for _, c := range conns {
			c.closed = true
		}
		s.all, s.idle, s.shared = nil, nil, nil
		s.broadcast()
		s.mu.Unlock()
		for _, c := range conns {
			if err := c.close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
		metrics.SetPoolConnections(s.name, 0, 0)
	}
	return errors.Join(errs...)
}

func (p *Pool) lookup(name string) *storage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[name]
}

func (s *storage) open(ctx context.Context) (*Conn, error) {
	sc, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := sc.PingContext(ctx); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return &Conn{conn: sc, storage: s.name, dialect: s.dialect, config: s.config}, nil
}

// exclusive counts connections owned by Acquire, checked out or idle.
// Caller holds s.mu.
func (s *storage) exclusive() int {
	if s.shared != nil {
		return len(s.all) - 1
	}
	return len(s.all)
}

// broadcast wakes every Acquire waiting on s. Caller holds s.mu.
func (s *storage) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// report publishes occupancy gauges. Caller holds s.mu.
func (s *storage) report() {
	metrics.SetPoolConnections(s.name, len(s.all), len(s.idle))
}
