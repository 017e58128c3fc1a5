package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/clustr/internal/database"
	"github.com/loykin/clustr/internal/store"
)

func newTestPool(t *testing.T, maxConns int) *database.Pool {
	t.Helper()
	p := database.NewPool()
	t.Cleanup(func() { _ = p.Close() })
	cfg := store.Config{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "galaxy.db"),
		Schema:   "main",
		MaxConns: maxConns,
	}
	require.NoError(t, p.RegisterStorageType(context.Background(), "global", cfg))
	return p
}

func newTestEngine(t *testing.T, p *database.Pool, cfg Config) *Engine {
	t.Helper()
	e := NewEngine(p, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func mustSync(t *testing.T, e *Engine, sql string, args ...interface{}) {
	t.Helper()
	res, err := e.ExecuteSync(context.Background(), New("global", sql, args...))
	require.NoError(t, err)
	e.DestroyResult(res)
}

func seedAccounts(t *testing.T, e *Engine, table string) {
	t.Helper()
	mustSync(t, e, `CREATE TABLE `+table+`(
		account_id INTEGER PRIMARY KEY,
		username TEXT NOT NULL,
		account_authenticated INTEGER NOT NULL DEFAULT 0,
		account_session_key TEXT NOT NULL DEFAULT ''
	)`)
	mustSync(t, e, `INSERT INTO `+table+`(account_id, username, account_authenticated, account_session_key) VALUES (1, 'han', 1, 'k1'), (2, 'leia', 1, 'k2'), (3, 'luke', 0, '')`)
}

func countAuthenticated(t *testing.T, e *Engine, table string) int64 {
	t.Helper()
	res, err := e.ExecuteSync(context.Background(), New("global", `SELECT COUNT(*) AS n FROM main.`+table+` WHERE account_authenticated = ?`, 1))
	require.NoError(t, err)
	defer e.DestroyResult(res)
	n, ok := res.Int64(0, "n")
	require.True(t, ok)
	return n
}

// drain calls Process until want callbacks have been delivered.
func drain(t *testing.T, e *Engine, want int) {
	t.Helper()
	got := 0
	require.Eventually(t, func() bool {
		got += e.Process()
		return got >= want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStartupRecoveryClearsAuthenticatedAccounts(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 2), Config{})
	seedAccounts(t, e, "account")
	require.Equal(t, int64(2), countAuthenticated(t, e, "account"))

	res, err := e.ExecuteSync(context.Background(), New("global", `UPDATE main.account SET account_authenticated = 0 WHERE account_authenticated = 1`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)
	e.DestroyResult(res)

	assert.Equal(t, int64(0), countAuthenticated(t, e, "account"))
	assert.Equal(t, 0, e.Outstanding())
}

func TestExecuteSyncResultLifetime(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 1), Config{})
	seedAccounts(t, e, "account")

	res, err := e.ExecuteSync(context.Background(), New("global", `SELECT account_id, username FROM account ORDER BY account_id`))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Outstanding(), "undestroyed result must be visible as a leak")
	assert.Equal(t, 3, res.Len())
	assert.Equal(t, []string{"account_id", "username"}, res.Columns)
	name, ok := res.String(1, "username")
	assert.True(t, ok)
	assert.Equal(t, "leia", name)
	_, ok = res.Value(0, "missing")
	assert.False(t, ok)

	e.DestroyResult(res)
	e.DestroyResult(res)
	e.DestroyResult(nil)
	assert.Equal(t, 0, e.Outstanding())
	assert.True(t, res.Destroyed())
	assert.Nil(t, res.Rows)
}

func TestExecuteSyncFailureStillNeedsDestroy(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 1), Config{})

	res, err := e.ExecuteSync(context.Background(), New("global", `SELECT * FROM no_such_table`))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Failed())
	assert.Equal(t, 1, e.Outstanding())
	e.DestroyResult(res)
	assert.Equal(t, 0, e.Outstanding())

	res, err = e.ExecuteSync(context.Background(), New("galaxy", `SELECT 1`))
	assert.ErrorIs(t, err, database.ErrUnknownStorage)
	e.DestroyResult(res)
}

func TestExecuteAsyncDeliversThroughProcess(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 2), Config{MinWorkers: 2, MaxWorkers: 2})
	seedAccounts(t, e, "account")

	var delivered *Result
	err := e.ExecuteAsync(New("global", `UPDATE account SET account_session_key = ? WHERE account_id = ?`, "", 1), func(res *Result) {
		delivered = res
		assert.False(t, res.Destroyed(), "result must be alive inside the callback")
	})
	require.NoError(t, err)

	drain(t, e, 1)
	require.NotNil(t, delivered)
	assert.NoError(t, delivered.Err)
	assert.Equal(t, int64(1), delivered.RowsAffected)
	assert.True(t, delivered.Destroyed(), "result is released after the callback returns")
	assert.Equal(t, 0, e.Outstanding())
}

func TestAsyncAndSyncReachSameState(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 2), Config{MinWorkers: 1, MaxWorkers: 2})
	seedAccounts(t, e, "account_a")
	seedAccounts(t, e, "account_b")

	update := `UPDATE main.%s SET account_authenticated = 0, account_session_key = ? WHERE account_authenticated = ?`
	mustSync(t, e, fmt.Sprintf(update, "account_a"), "", 1)

	done := make(chan struct{})
	require.NoError(t, e.ExecuteAsync(New("global", fmt.Sprintf(update, "account_b"), "", 1), func(res *Result) {
		assert.NoError(t, res.Err)
		close(done)
	}))
	drain(t, e, 1)
	<-done

	dump := func(table string) [][]interface{} {
		res, err := e.ExecuteSync(context.Background(), New("global", `SELECT account_id, account_authenticated, account_session_key FROM `+table+` ORDER BY account_id`))
		require.NoError(t, err)
		defer e.DestroyResult(res)
		return append([][]interface{}(nil), res.Rows...)
	}
	assert.Equal(t, dump("account_a"), dump("account_b"))
}

func TestFireAndForget(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 1), Config{})
	seedAccounts(t, e, "account")

	require.NoError(t, e.ExecuteAsync(New("", `DELETE FROM account WHERE account_id = ?`, 3), nil))
	require.Eventually(t, func() bool {
		res, err := e.ExecuteSync(context.Background(), New("", `SELECT COUNT(*) AS n FROM account`))
		if err != nil {
			e.DestroyResult(res)
			return false
		}
		defer e.DestroyResult(res)
		n, _ := res.Int64(0, "n")
		return n == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.Process(), "fire-and-forget statements produce no callbacks")
}

func TestMalformedStatementsAreRejectedBeforeQueueing(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 1), Config{})

	err := e.ExecuteAsync(New("global", `UPDATE {galaxy}.account SET a = 0`), func(*Result) {
		t.Error("callback must not run for a rejected statement")
	})
	assert.ErrorIs(t, err, ErrMalformedStatement)
	_, err = e.ExecuteSync(context.Background(), New("global", `UPDATE account SET a = ?`))
	assert.ErrorIs(t, err, ErrMalformedStatement)

	assert.Equal(t, 0, e.Stats().Queued)
	assert.Equal(t, 0, e.Outstanding())
}

func TestFailingStatementDoesNotStallOthers(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 1), Config{MinWorkers: 1, MaxWorkers: 1})
	seedAccounts(t, e, "account")

	var failed, ok atomic.Bool
	require.NoError(t, e.ExecuteAsync(New("", `UPDATE missing SET x = 1`), func(res *Result) { failed.Store(res.Failed()) }))
	require.NoError(t, e.ExecuteAsync(New("galaxy", `SELECT 1`), func(res *Result) {
		assert.ErrorIs(t, res.Err, database.ErrUnknownStorage)
	}))
	require.NoError(t, e.ExecuteAsync(New("", `SELECT COUNT(*) AS n FROM account`), func(res *Result) {
		n, _ := res.Int64(0, "n")
		ok.Store(res.Err == nil && n == 3)
	}))
	drain(t, e, 3)
	assert.True(t, failed.Load())
	assert.True(t, ok.Load())
}

func TestQueueFullRejectsWithoutBlocking(t *testing.T) {
	p := newTestPool(t, 1)
	e := newTestEngine(t, p, Config{MinWorkers: 1, MaxWorkers: 1, QueueDepth: 1})

	// hold the only connection so the single worker blocks on checkout
	held, err := p.Acquire(context.Background(), "global")
	require.NoError(t, err)

	var delivered atomic.Int32
	cb := func(*Result) { delivered.Add(1) }
	require.NoError(t, e.ExecuteAsync(New("", `SELECT 1`), cb))
	require.Eventually(t, func() bool { return e.Stats().Queued == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.ExecuteAsync(New("", `SELECT 2`), cb))

	start := time.Now()
	err = e.ExecuteAsync(New("", `SELECT 3`), cb)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	p.Release(held)
	drain(t, e, 2)
	assert.Equal(t, int32(2), delivered.Load())
}

func TestCallbackPanicIsContained(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 1), Config{})
	require.NoError(t, e.ExecuteAsync(New("", `SELECT 1`), func(*Result) { panic("boom") }))
	require.NoError(t, e.ExecuteAsync(New("", `SELECT 2`), func(*Result) {}))
	assert.NotPanics(t, func() { drain(t, e, 2) })
}

func TestWorkersScaleUpAndRecycle(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 3), Config{MinWorkers: 1, MaxWorkers: 3, IdleTimeout: 50 * time.Millisecond})
	assert.Equal(t, 1, e.Stats().Workers)

	for i := 0; i < 30; i++ {
		require.NoError(t, e.ExecuteAsync(New("", `SELECT ?`, i), func(*Result) {}))
	}
	assert.LessOrEqual(t, e.Stats().Workers, 3)
	drain(t, e, 30)

	require.Eventually(t, func() bool { return e.Stats().Workers == 1 }, 5*time.Second, 10*time.Millisecond,
		"extra workers must exit after the idle timeout")
}

func TestCloseDrainsQueueAndRejectsNewWork(t *testing.T) {
	e := NewEngine(newTestPool(t, 1), Config{MinWorkers: 1, MaxWorkers: 1})
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, e.ExecuteAsync(New("", `SELECT ?`, i), func(*Result) { n.Add(1) }))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))

	assert.Equal(t, 5, e.Process(), "results completed during the drain stay deliverable")
	assert.Equal(t, int32(5), n.Load())

	assert.ErrorIs(t, e.ExecuteAsync(New("", `SELECT 1`), nil), ErrClosed)
	_, err := e.ExecuteSync(ctx, New("", `SELECT 1`))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecReportsAffectedRowsForReturningLikeColumns(t *testing.T) {
	e := newTestEngine(t, newTestPool(t, 1), Config{})
	mustSync(t, e, `CREATE TABLE acct(id INTEGER PRIMARY KEY, returning_user INTEGER NOT NULL DEFAULT 0)`)
	mustSync(t, e, `INSERT INTO acct(id) VALUES (1), (2), (3)`)

	res, err := e.ExecuteSync(context.Background(), New("", `UPDATE acct SET returning_user = 1`))
	require.NoError(t, err)
	defer e.DestroyResult(res)
	assert.Equal(t, int64(3), res.RowsAffected)
	assert.Empty(t, res.Rows)
}

func TestCloseWhileEnqueueing(t *testing.T) {
	p := newTestPool(t, 2)
	for i := 0; i < 20; i++ {
		e := NewEngine(p, Config{MinWorkers: 1, MaxWorkers: 4, QueueDepth: 64})
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := e.ExecuteAsync(New("", `SELECT 1`), nil); errors.Is(err, ErrClosed) {
					return
				}
			}
		}()
		time.Sleep(time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, e.Close(ctx))
		cancel()
		close(stop)
		<-done
		assert.Zero(t, e.Stats().Workers)
	}
}
