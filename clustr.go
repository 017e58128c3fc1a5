package clustr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	cfg "github.com/loykin/clustr/internal/config"
	"github.com/loykin/clustr/internal/database"
	"github.com/loykin/clustr/internal/directory"
	"github.com/loykin/clustr/internal/history"
	"github.com/loykin/clustr/internal/history/factory"
	"github.com/loykin/clustr/internal/metrics"
	"github.com/loykin/clustr/internal/node"
	"github.com/loykin/clustr/internal/query"
	"github.com/loykin/clustr/internal/schemadb"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Process = directory.Process

type ProcessSpec = directory.ProcessSpec

type Status = directory.Status

const (
	StatusOffline      = directory.StatusOffline
	StatusStarting     = directory.StatusStarting
	StatusLoading      = directory.StatusLoading
	StatusOnline       = directory.StatusOnline
	StatusShuttingDown = directory.StatusShuttingDown
)

type Result = query.Result

type Statement = query.Statement

type Callback = query.Callback

type DB = schemadb.DB

type Schemas = schemadb.Schemas

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Node = node.Node

type NodeOption = node.Option

var (
	WithLogger = node.WithLogger
	WithClock  = node.WithClock
	WithSinks  = node.WithSinks
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewNode builds a node from a loaded config. Call Start, then Run.
func NewNode(c *Config, opts ...NodeOption) (*Node, error) { return node.New(c, opts...) }

// IsAlive reports whether p pulsed within timeout of now.
var IsAlive = directory.IsAlive

// Directory is a standalone view of a cluster's directory for tools that do
// not run a node themselves.
type Directory struct {
	*directory.Directory
	pool  *database.Pool
	sinks []history.Sink
}

// OpenDirectory connects to the directory storage named in c without
// registering a process.
func OpenDirectory(ctx context.Context, c *Config, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc, ok := c.Storage(c.Directory.Storage)
	if !ok {
		return nil, fmt.Errorf("directory storage %q not declared", c.Directory.Storage)
	}
	pool := database.NewPool(database.WithLogger(logger))
	if err := pool.RegisterStorageType(ctx, sc.Name, sc.Config); err != nil {
		return nil, err
	}
	sinks, err := factory.NewSinks(c.History.Sinks)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	conn, err := pool.GetConnection(ctx, sc.Name)
	if err != nil {
		factory.CloseAll(sinks)
		_ = pool.Close()
		return nil, err
	}
	dir, err := directory.New(ctx, directory.NewDatastore(conn), c.ClusterName,
		directory.WithLivenessTimeout(c.Directory.LivenessTimeout),
		directory.WithSinks(sinks...),
		directory.WithLogger(logger),
	)
	if err != nil {
		factory.CloseAll(sinks)
		_ = pool.Close()
		return nil, err
	}
	return &Directory{Directory: dir, pool: pool, sinks: sinks}, nil
}

// Close releases the directory's connection pool and history sinks.
func (d *Directory) Close() error {
	factory.CloseAll(d.sinks)
	return d.pool.Close()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an unstarted server exposing /metrics.
func NewMetricsServer(addr string) *http.Server { return metrics.NewServer(addr) }
