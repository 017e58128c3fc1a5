// Package node runs one cluster member: it registers the process in the
// server directory, keeps its pulse fresh, serves the query engine and the
// admin endpoints, and unregisters on shutdown.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/clustr/internal/config"
	"github.com/loykin/clustr/internal/cron"
	"github.com/loykin/clustr/internal/database"
	"github.com/loykin/clustr/internal/directory"
	"github.com/loykin/clustr/internal/history"
	"github.com/loykin/clustr/internal/history/factory"
	"github.com/loykin/clustr/internal/metrics"
	"github.com/loykin/clustr/internal/query"
	"github.com/loykin/clustr/internal/schemadb"
	"github.com/loykin/clustr/internal/server"
	tlsx "github.com/loykin/clustr/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const defaultSchema = "main"

var (
	ErrNotStarted     = errors.New("node not started")
	ErrAlreadyStarted = errors.New("node already started")
)

// Node owns the pool, directory and query engine of one process.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
	now    func() time.Time

	extraSinks []history.Sink

	mu      sync.Mutex
	started bool
	stopped bool
	pool    *database.Pool
	dir     *directory.Directory
	engine  *query.Engine
	db      *schemadb.DB
	sinks   []history.Sink
}

type Option func(*Node)

// WithLogger overrides the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithClock replaces time.Now for the directory.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		if now != nil {
			n.now = now
		}
	}
}

// WithSinks adds history sinks next to the ones named in [history].
// The node does not close them.
func WithSinks(sinks ...history.Sink) Option {
	return func(n *Node) { n.extraSinks = append(n.extraSinks, sinks...) }
}

func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	n := &Node{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(n)
	}
	if n.logger == nil {
		n.logger, n.closer = cfg.Log.Logger().New(nil)
	}
	return n, nil
}

func (n *Node) Logger() *slog.Logger { return n.logger }

// Start brings the node online. Any failure here is fatal for the process;
// resources opened so far are released before returning.
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}
	defer func() {
		if err != nil {
			if n.dir != nil {
				_ = n.dir.RemoveProcess(context.WithoutCancel(ctx))
			}
			n.release()
		}
	}()

	n.pool = database.NewPool(database.WithLogger(n.logger))
	for _, s := range n.cfg.Storages {
		if err := n.pool.RegisterStorageType(ctx, s.Name, s.Config); err != nil {
			return fmt.Errorf("register storage: %w", err)
		}
		n.logger.Info("Storage registered", "name", s.Name, "storage", s.Config.String())
	}

	n.sinks, err = factory.NewSinks(n.cfg.History.Sinks)
	if err != nil {
		return fmt.Errorf("history sinks: %w", err)
	}
	conn, err := n.pool.GetConnection(ctx, n.cfg.Directory.Storage)
	if err != nil {
		return fmt.Errorf("directory storage: %w", err)
	}
	n.dir, err = directory.New(ctx, directory.NewDatastore(conn), n.cfg.ClusterName,
		directory.WithClock(n.now),
		directory.WithLivenessTimeout(n.cfg.Directory.LivenessTimeout),
		directory.WithSinks(append(append([]history.Sink{}, n.sinks...), n.extraSinks...)...),
		directory.WithLogger(n.logger),
	)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}

	spec := n.cfg.Process
	spec.Status = directory.StatusStarting
	if err := n.dir.RegisterProcess(ctx, spec); err != nil {
		return err
	}

	n.engine = query.NewEngine(n.pool, n.cfg.Query, query.WithLogger(n.logger))
	n.db, err = schemadb.New(n.engine, n.schemas())
	if err != nil {
		return err
	}
	if err := n.dir.UpdateProcessStatus(ctx, directory.StatusLoading); err != nil {
		return err
	}
	for _, tmpl := range n.cfg.StartupStatements {
		res, err := n.db.ExecuteSync(ctx, tmpl)
		if err != nil {
			n.db.DestroyResult(res)
			return fmt.Errorf("startup statement %q: %w", tmpl, err)
		}
		n.logger.Info("Startup statement executed", "statement", res.Statement.SQL, "rows_affected", res.RowsAffected)
		n.db.DestroyResult(res)
	}
	if err := n.dir.UpdateProcessStatus(ctx, directory.StatusOnline); err != nil {
		return err
	}
	n.started = true
	p, _ := n.dir.Process()
	n.logger.Info("Node online", "cluster", n.dir.Cluster(), "id", p.ID, "type", p.Type, "endpoint", p.Endpoint())
	return nil
}

// schemas fills the global schema from the facade storage when unset.
func (n *Node) schemas() schemadb.Schemas {
	s := n.cfg.Schemas
	if s.Storage == "" {
		s.Storage = n.cfg.Directory.Storage
	}
	if s.Global == "" {
		s.Global = defaultSchema
		if sc, ok := n.cfg.Storage(s.Storage); ok && sc.Schema != "" {
			s.Global = sc.Schema
		}
	}
	return s
}

// Tick pulses the directory and delivers completed async results.
// Errors are logged, never returned.
func (n *Node) Tick(ctx context.Context) {
	n.mu.Lock()
	dir, engine := n.dir, n.engine
	n.mu.Unlock()
	if dir == nil || engine == nil {
		return
	}
	self, _ := dir.Process()
	if err := dir.Pulse(ctx); errors.Is(err, directory.ErrNotRegistered) {
		n.reregister(ctx, dir, self.Status)
	} else if err != nil {
		n.logger.Warn("Pulse failed", "error", err)
	}
	engine.Process()
	st := engine.Stats()
	metrics.SetQueueLength(st.Queued)
	metrics.SetWorkers(st.Workers)
	metrics.SetOutstandingResults(st.Outstanding)
}

// reregister inserts the process again after its record was purged,
// keeping the status it had reached.
func (n *Node) reregister(ctx context.Context, dir *directory.Directory, status directory.Status) {
	spec := n.cfg.Process
	spec.Status = status
	if status == directory.StatusOffline {
		spec.Status = directory.StatusOnline
	}
	if err := dir.RegisterProcess(ctx, spec); err != nil {
		n.logger.Error("Re-registration failed", "error", err)
		return
	}
	self, _ := dir.Process()
	n.logger.Warn("Process re-registered after its record was removed", "id", self.ID, "status", self.Status)
}

// Run ticks every pulse interval, serves the admin and metrics listeners and
// runs the sweep schedule until ctx is done, then shuts the node down.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	var servers []*http.Server
	if n.cfg.Server.Listen != "" {
		srv := server.NewServer(n.cfg.Server.Listen, server.NewRouter(n.dir, n.engine, n.pool, n.cfg.Server.BasePath))
		tc, err := tlsx.Setup(n.cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("admin tls: %w", err)
		}
		srv.TLSConfig = tc
		servers = append(servers, srv)
	}
	if n.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		servers = append(servers, metrics.NewServer(n.cfg.Metrics.Listen))
	}

	var sched *cron.Scheduler
	if spec := n.cfg.Directory.SweepSchedule; spec != "" {
		sched = cron.NewScheduler(n.logger)
		dir := n.dir
		err := sched.Add(&cron.Job{Name: "sweep", Schedule: spec, Run: func(ctx context.Context) error {
			_, err := dir.PurgeStale(ctx)
			return err
		}})
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			n.logger.Info("Listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		t := time.NewTicker(n.cfg.Directory.PulseInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				n.Tick(gctx)
			}
		}
	})
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if sched != nil {
		if err := sched.Stop(sctx); err != nil {
			n.logger.Warn("Stop scheduler", "error", err)
		}
	}
	return errors.Join(runErr, n.Shutdown(sctx))
}

// Shutdown marks the record shutting down, removes it, drains the engine and
// closes the pool. Calling it more than once does nothing.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started || n.stopped {
		return nil
	}
	n.stopped = true

	var errs []error
	if err := n.dir.UpdateProcessStatus(ctx, directory.StatusShuttingDown); err != nil && !errors.Is(err, directory.ErrNotRegistered) {
		errs = append(errs, err)
	}
	if err := n.dir.RemoveProcess(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := n.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if left := n.engine.Process(); left > 0 {
		n.logger.Debug("Delivered results during shutdown", "count", left)
	}
	if out := n.engine.Outstanding(); out > 0 {
		n.logger.Warn("Results not destroyed at shutdown", "count", out)
	}
	n.release()
	n.logger.Info("Node stopped", "cluster", n.cfg.ClusterName)
	return errors.Join(errs...)
}

// release closes the pool and sinks. Callers hold n.mu.
func (n *Node) release() {
	if n.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = n.engine.Close(ctx)
		cancel()
		n.engine.Process()
	}
	if n.pool != nil {
		if err := n.pool.Close(); err != nil {
			n.logger.Warn("Close pool", "error", err)
		}
	}
	factory.CloseAll(n.sinks)
	if n.closer != nil {
		_ = n.closer.Close()
		n.closer = nil
	}
}

// Directory returns the server directory, nil before Start.
func (n *Node) Directory() *directory.Directory {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dir
}

func (n *Node) Engine() *query.Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine
}

func (n *Node) DB() *schemadb.DB {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.db
}

func (n *Node) Pool() *database.Pool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pool
}
