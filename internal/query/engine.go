// Package query runs SQL statements against pooled connections on a bounded
// set of worker goroutines, so the caller's tick loop never waits on the
// database. Asynchronous results come back through Process, which the owner
// calls once per tick.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loykin/clustr/internal/database"
	"github.com/loykin/clustr/internal/metrics"
	"github.com/loykin/clustr/internal/store"
)

// Defaults applied by New for zero config values.
const (
	DefaultMinWorkers  = 1
	DefaultMaxWorkers  = 4
	DefaultQueueDepth  = 1024
	DefaultIdleTimeout = 30 * time.Second
	DefaultStorage     = "global"
)

// Config sizes the worker pool and queue.
type Config struct {
	MinWorkers       int           `mapstructure:"min_workers"`
	MaxWorkers       int           `mapstructure:"max_workers"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	DefaultStorage   string        `mapstructure:"default_storage"`
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = DefaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DefaultStorage == "" {
		c.DefaultStorage = DefaultStorage
	}
	return c
}

// ConnSource hands out exclusive connections per storage type.
type ConnSource interface {
	Acquire(ctx context.Context, storage string) (*database.Conn, error)
	Release(c *database.Conn)
}

// Callback receives an asynchronous result on the goroutine calling Process.
// The result is released when the callback returns.
type Callback func(res *Result)

// Stats is a snapshot of engine occupancy.
type Stats struct {
	Queued      int `json:"queued"`
	Workers     int `json:"workers"`
	IdleWorkers int `json:"idle_workers"`
	Outstanding int `json:"outstanding_results"`
	Completed   int `json:"pending_callbacks"`
}

type job struct {
	stmt Statement
	cb   Callback
}

type completion struct {
	res *Result
	cb  Callback
}

// Engine executes statements asynchronously on workers or synchronously on
// the caller's goroutine.
type Engine struct {
	cfg    Config
	pool   ConnSource
	logger *slog.Logger

	queue chan job
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	workers     atomic.Int32
	idle        atomic.Int32
	outstanding atomic.Int64

	mu        sync.Mutex
	closed    bool
	completed []completion
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for failed statements.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine starts cfg.MinWorkers workers reading from a queue of
// cfg.QueueDepth statements.
func NewEngine(pool ConnSource, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:    cfg,
		pool:   pool,
		logger: slog.Default(),
		queue:  make(chan job, cfg.QueueDepth),
		sem:    semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
	for _, o := range opts {
		o(e)
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		if e.sem.TryAcquire(1) {
			e.spawn(true)
		}
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ExecuteAsync validates stmt and queues it without blocking. cb may be nil
// for fire-and-forget statements; failures are then only logged.
// There is no ordering guarantee between queued statements.
func (e *Engine) ExecuteAsync(stmt Statement, cb Callback) error {
	stmt = e.resolve(stmt)
	if err := stmt.Validate(); err != nil {
		metrics.IncRejected("malformed")
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		metrics.IncRejected("closed")
		return ErrClosed
	}
	select {
	case e.queue <- job{stmt: stmt, cb: cb}:
	default:
		e.mu.Unlock()
		metrics.IncRejected("queue_full")
		return fmt.Errorf("%w: depth %d", ErrQueueFull, e.cfg.QueueDepth)
	}
	e.mu.Unlock()

	metrics.IncEnqueued(stmt.Storage)
	metrics.SetQueueLength(len(e.queue))
	e.grow()
	return nil
}

// ExecuteSync validates and runs stmt on the calling goroutine. When the
// statement passed validation the returned Result is non-nil even if
// execution failed, and the caller must hand it to DestroyResult.
func (e *Engine) ExecuteSync(ctx context.Context, stmt Statement) (*Result, error) {
	stmt = e.resolve(stmt)
	if err := stmt.Validate(); err != nil {
		metrics.IncRejected("malformed")
		return nil, err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	res := e.execute(ctx, stmt, "sync")
	res.sync = true
	metrics.SetOutstandingResults(int(e.outstanding.Add(1)))
	return res, res.Err
}

// DestroyResult releases a result returned by ExecuteSync. Destroying a result
// twice, or a nil result, is a no-op.
func (e *Engine) DestroyResult(res *Result) {
	if res == nil || !res.release() {
		return
	}
	if res.sync {
		metrics.SetOutstandingResults(int(e.outstanding.Add(-1)))
	}
}

// Outstanding returns the number of synchronous results not yet destroyed.
// A non-zero value after a caller finished its work is a leak.
func (e *Engine) Outstanding() int { return int(e.outstanding.Load()) }

// Process delivers completed asynchronous results to their callbacks on the
// calling goroutine and returns how many were delivered. It never blocks on
// the database.
func (e *Engine) Process() int {
	e.mu.Lock()
	batch := e.completed
	e.completed = nil
	e.mu.Unlock()

	for _, c := range batch {
		e.deliver(c)
	}
	metrics.SetQueueLength(len(e.queue))
	e.grow()
	return len(batch)
}

// Stats returns a snapshot of the engine's queue and workers.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	completed := len(e.completed)
	e.mu.Unlock()
	return Stats{
		Queued:      len(e.queue),
		Workers:     int(e.workers.Load()),
		IdleWorkers: int(e.idle.Load()),
		Outstanding: e.Outstanding(),
		Completed:   completed,
	}
}

// Close stops accepting statements and waits until the workers have drained
// the queue or ctx ends. Results completed during the drain stay available
// to Process.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) resolve(stmt Statement) Statement {
	if stmt.Storage == "" {
		stmt.Storage = e.cfg.DefaultStorage
	}
	return stmt
}

// grow starts an extra worker when work is queued and nobody is idle.
func (e *Engine) grow() {
	if len(e.queue) == 0 || e.idle.Load() > 0 {
		return
	}
	// wg.Add must not race the wg.Wait in Close.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.sem.TryAcquire(1) {
		e.spawn(false)
	}
}

func (e *Engine) spawn(core bool) {
	e.wg.Add(1)
	metrics.SetWorkers(int(e.workers.Add(1)))
	go e.work(core)
}

// work runs jobs until the queue closes. Non-core workers exit after sitting
// idle for IdleTimeout.
func (e *Engine) work(core bool) {
	defer func() {
		metrics.SetWorkers(int(e.workers.Add(-1)))
		e.sem.Release(1)
		e.wg.Done()
	}()

	var timer *time.Timer
	if !core {
		timer = time.NewTimer(e.cfg.IdleTimeout)
		defer timer.Stop()
	}
	for {
		var expired <-chan time.Time
		if timer != nil {
			expired = timer.C
		}
		e.idle.Add(1)
		select {
		case j, ok := <-e.queue:
			e.idle.Add(-1)
			if !ok {
				return
			}
			e.run(j)
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(e.cfg.IdleTimeout)
			}
		case <-expired:
			e.idle.Add(-1)
			return
		}
	}
}

func (e *Engine) run(j job) {
	ctx := context.Background()
	if e.cfg.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StatementTimeout)
		defer cancel()
	}
	res := e.execute(ctx, j.stmt, "async")
	metrics.SetQueueLength(len(e.queue))
	if j.cb == nil {
		res.release()
		return
	}
	e.mu.Lock()
	e.completed = append(e.completed, completion{res: res, cb: j.cb})
	e.mu.Unlock()
}

// execute runs one statement. Failures, including panics in the driver,
// end up in Result.Err and never escape.
func (e *Engine) execute(ctx context.Context, stmt Statement, mode string) (res *Result) {
	start := time.Now()
	res = &Result{Statement: stmt}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic executing statement: %v", r)
		}
		res.Duration = time.Since(start)
		metrics.ObserveQuery(stmt.Storage, mode, res.Duration.Seconds(), res.Err)
		if res.Err != nil {
			e.logger.Warn("Statement failed", "storage", stmt.Storage, "mode", mode, "sql", stmt.SQL, "error", res.Err)
		}
	}()

	conn, err := e.pool.Acquire(ctx, stmt.Storage)
	if err != nil {
		res.Err = err
		return res
	}
	defer e.pool.Release(conn)

	res.Err = conn.Do(ctx, func(q store.Querier) error {
		if stmt.returnsRows() {
			return materialize(ctx, q, stmt, res)
		}
		r, err := q.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return err
		}
		res.RowsAffected, _ = r.RowsAffected()
		res.LastInsertID, _ = r.LastInsertId()
		return nil
	})
	return res
}

func materialize(ctx context.Context, q store.Querier, stmt Statement, res *Result) error {
	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	res.Columns = cols
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil && err != sql.ErrNoRows {
		return err
	}
	res.RowsAffected = int64(len(res.Rows))
	return nil
}

func (e *Engine) deliver(c completion) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Query callback panicked", "storage", c.res.Statement.Storage, "sql", c.res.Statement.SQL, "panic", r)
		}
		c.res.release()
	}()
	c.cb(c.res)
}
