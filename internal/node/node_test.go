package node

import (
	"context"
	"database/sql"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/clustr/internal/config"
	"github.com/loykin/clustr/internal/directory"
	"github.com/loykin/clustr/internal/history"
	"github.com/loykin/clustr/internal/query"
	"github.com/loykin/clustr/internal/schemadb"
	"github.com/loykin/clustr/internal/store"
	tlsx "github.com/loykin/clustr/internal/tls"
	"github.com/loykin/clustr/pkg/client"
)

type recordSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *recordSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, string(e.Type)+":"+e.Record.Status)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	return &config.Config{
		ClusterName: "swganh",
		Process: directory.ProcessSpec{
			Type:    "login",
			Name:    "login",
			Version: "v1.0.0",
			Address: "127.0.0.1",
			TCPPort: 44453,
		},
		Directory: config.DirectoryConfig{
			Storage:         "global",
			LivenessTimeout: 30 * time.Second,
			PulseInterval:   10 * time.Millisecond,
		},
		Query: query.Config{MinWorkers: 1, MaxWorkers: 2, QueueDepth: 16, IdleTimeout: time.Second},
		Storages: []config.StorageConfig{{
			Name:   "global",
			Config: store.Config{Driver: "sqlite", Path: path, MaxConns: 2},
		}},
		StartupStatements: []string{
			"UPDATE {galaxy}.account SET account_authenticated = 0 WHERE account_authenticated = 1",
		},
	}
}

func seed(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec(`CREATE TABLE account(account_id INTEGER PRIMARY KEY, account_authenticated INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO account VALUES (1, 1), (2, 1), (3, 0)`)
	require.NoError(t, err)
}

func countRows(t *testing.T, path, q string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var n int
	require.NoError(t, db.QueryRow(q).Scan(&n))
	return n
}

func TestNodeLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	seed(t, path)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	sink := &recordSink{}

	n, err := New(testConfig(t, path), WithClock(clk.Now), WithSinks(sink))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	assert.ErrorIs(t, n.Start(ctx), ErrAlreadyStarted)

	self, ok := n.Directory().Process()
	require.True(t, ok)
	assert.Equal(t, directory.StatusOnline, self.Status)
	assert.Equal(t, "main", n.DB().Global())
	assert.Equal(t, 0, countRows(t, path, `SELECT COUNT(*) FROM account WHERE account_authenticated = 1`))
	assert.Zero(t, n.Engine().Outstanding())

	clk.Advance(5 * time.Second)
	n.Tick(ctx)
	self, _ = n.Directory().Process()
	assert.Equal(t, clk.Now().UnixMilli(), self.LastPulse.UnixMilli())

	var got int64
	require.NoError(t, n.DB().ExecuteProcedureAsync(func(res *query.Result) {
		got, _ = res.Int64(0, "n")
	}, "SELECT COUNT(*) AS n FROM {global}.account"))
	require.Eventually(t, func() bool {
		n.Tick(ctx)
		return got == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, n.Shutdown(ctx))
	require.NoError(t, n.Shutdown(ctx))
	assert.Equal(t, 0, countRows(t, path, `SELECT COUNT(*) FROM processes`))
	assert.Equal(t, []string{
		"register:starting",
		"status:loading",
		"status:online",
		"status:shutting_down",
		"remove:shutting_down",
	}, sink.statuses())
}

func TestDuplicateEndpointIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	seed(t, path)
	ctx := context.Background()

	first, err := New(testConfig(t, path))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	t.Cleanup(func() { _ = first.Shutdown(ctx) })

	second, err := New(testConfig(t, path))
	require.NoError(t, err)
	err = second.Start(ctx)
	require.ErrorIs(t, err, directory.ErrProcessExists)
	assert.ErrorIs(t, second.Run(ctx), ErrNotStarted)
	assert.NoError(t, second.Shutdown(ctx))
	assert.Equal(t, 1, countRows(t, path, `SELECT COUNT(*) FROM processes`))
}

func TestStartupStatementFailureReleasesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	cfg := testConfig(t, path) // no account table
	n, err := New(cfg)
	require.NoError(t, err)
	require.Error(t, n.Start(context.Background()))
	assert.Equal(t, 0, countRows(t, path, `SELECT COUNT(*) FROM processes`))
}

func TestRunStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	seed(t, path)
	n, err := New(testConfig(t, path))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	first, _ := n.Directory().Process()
	require.Eventually(t, func() bool {
		p, ok := n.Directory().Process()
		return ok && p.LastPulse.After(first.LastPulse)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, countRows(t, path, `SELECT COUNT(*) FROM processes`))
}

func TestRunSweepsDeadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	seed(t, path)
	cfg := testConfig(t, path)
	cfg.Directory.SweepSchedule = "@every 1s"

	// a zone server that stopped pulsing an hour ago
	stale := cfg.Process
	stale.Type, stale.TCPPort = "zone", 44463
	old := &clock{now: time.Now().Add(-time.Hour)}
	ghost, err := New(testConfig(t, path), WithClock(old.Now))
	require.NoError(t, err)
	ghost.cfg.Process = stale
	require.NoError(t, ghost.Start(context.Background()))
	ghost.mu.Lock()
	ghost.release() // drop the node without removing its record
	ghost.mu.Unlock()
	require.Equal(t, 1, countRows(t, path, `SELECT COUNT(*) FROM processes WHERE type = 'zone'`))

	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		return countRows(t, path, `SELECT COUNT(*) FROM processes WHERE type = 'zone'`) == 0
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, countRows(t, path, `SELECT COUNT(*) FROM processes WHERE type = 'login'`))

	cancel()
	require.NoError(t, <-done)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunServesAdminAPIOverTLS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "global.db")
	seed(t, path)
	cfg := testConfig(t, path)
	cfg.Server.Listen = freeAddr(t)
	cfg.Server.BasePath = "/api"
	cfg.Server.TLS = tlsx.Config{Enabled: true, Dir: filepath.Join(dir, "tls"), AutoGenerate: true}

	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	c, err := client.New(client.Config{
		BaseURL: "https://" + cfg.Server.Listen + "/api",
		TLS:     &client.TLSClientConfig{CACert: filepath.Join(dir, "tls", "tls.crt"), ServerName: "localhost"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Health(ctx) == nil }, 5*time.Second, 20*time.Millisecond)

	self, err := c.Self(ctx)
	require.NoError(t, err)
	assert.Equal(t, "online", self.Status)
	assert.True(t, self.Alive)

	list, err := c.Processes(ctx, "login")
	require.NoError(t, err)
	assert.Equal(t, "swganh", list.Cluster)
	assert.Len(t, list.Processes, 1)

	cancel()
	require.NoError(t, <-done)
}

func TestRunRejectsBadTLS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	seed(t, path)
	cfg := testConfig(t, path)
	cfg.Server.Listen = freeAddr(t)
	cfg.Server.TLS = tlsx.Config{Enabled: true, CertFile: "missing.crt", KeyFile: "missing.key"}

	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })
	assert.Error(t, n.Run(context.Background()))
}

func TestSchemasFallBack(t *testing.T) {
	cfg := testConfig(t, "unused.db")
	n := &Node{cfg: cfg}
	assert.Equal(t, schemadb.Schemas{Storage: "global", Global: "main"}, n.schemas())

	cfg.Storages[0].Schema = "swganh_static"
	assert.Equal(t, "swganh_static", n.schemas().Global)

	cfg.Schemas = schemadb.Schemas{Storage: "global", Global: "galaxy_manager"}
	assert.Equal(t, "galaxy_manager", n.schemas().Global)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestPulseIsNotBlockedBySlowQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	seed(t, path)
	ctx := context.Background()
	n, err := New(testConfig(t, path))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { _ = n.Shutdown(ctx) })

	finished := make(chan struct{})
	require.NoError(t, n.DB().ExecuteProcedureAsync(func(*query.Result) { close(finished) },
		`WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c WHERE x < 5000000) SELECT COUNT(*) AS n FROM c`))
	require.Eventually(t, func() bool {
		st := n.Engine().Stats()
		return st.Queued == 0 && st.IdleWorkers < st.Workers
	}, 5*time.Second, time.Millisecond, "query never reached a worker")

	start := time.Now()
	require.NoError(t, n.Directory().Pulse(ctx))
	assert.Less(t, time.Since(start), 250*time.Millisecond, "pulse waited on the running query")

	require.Eventually(t, func() bool {
		n.Tick(ctx)
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}, time.Minute, 10*time.Millisecond)
}

func TestTickRegistersAgainAfterPurge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	seed(t, path)
	ctx := context.Background()
	n, err := New(testConfig(t, path))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { _ = n.Shutdown(ctx) })
	before, _ := n.Directory().Process()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM processes`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	n.Tick(ctx)
	after, ok := n.Directory().Process()
	require.True(t, ok)
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, directory.StatusOnline, after.Status)
	assert.Equal(t, 1, countRows(t, path, `SELECT COUNT(*) FROM processes`))
}
