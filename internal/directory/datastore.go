package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/clustr/internal/store"
)

// Conn is the pooled connection the datastore runs on.
// *database.Conn satisfies it.
type Conn interface {
	Do(ctx context.Context, fn func(q store.Querier) error) error
	WithTx(ctx context.Context, fn func(q store.Querier) error) error
	Dialect() store.Dialect
	Table(name string) string
}

// Datastore owns the clusters and processes tables. Timestamps are stored
// as unix milliseconds so both dialects compare them numerically.
type Datastore struct {
	conn      Conn
	clusters  string
	processes string
}

func NewDatastore(conn Conn) *Datastore {
	return &Datastore{
		conn:      conn,
		clusters:  conn.Table("clusters"),
		processes: conn.Table("processes"),
	}
}

const processColumns = `id, cluster_id, type, name, version, address, tcp_port, udp_port, status, last_pulse, created_at`

func (d *Datastore) EnsureSchema(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.conn.Dialect() == store.DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + d.clusters + `(
			id ` + serial + `,
			name TEXT NOT NULL UNIQUE,
			created_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ` + d.processes + `(
			id ` + serial + `,
			cluster_id BIGINT NOT NULL REFERENCES ` + d.clusters + `(id),
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			address TEXT NOT NULL,
			tcp_port INTEGER NOT NULL,
			udp_port INTEGER NOT NULL,
			status INTEGER NOT NULL,
			last_pulse BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE(cluster_id, type, address, tcp_port)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + d.processes + `_cluster_type ON ` + d.processes + `(cluster_id, type);`,
	}
	return d.conn.Do(ctx, func(q store.Querier) error {
		for _, s := range stmts {
			if _, err := q.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("ensure directory schema: %w", err)
			}
		}
		return nil
	})
}

// ClusterID returns the id of the named cluster, creating the row on first use.
func (d *Datastore) ClusterID(ctx context.Context, name string, now time.Time) (uint32, error) {
	var id int64
	err := d.conn.Do(ctx, func(q store.Querier) error {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO `+d.clusters+`(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING;`,
			name, now.UnixMilli()); err != nil {
			return err
		}
		return q.QueryRowContext(ctx, `SELECT id FROM `+d.clusters+` WHERE name = ?;`, name).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("resolve cluster %q: %w", name, err)
	}
	return uint32(id), nil
}

// Insert stores p and returns its new id. ok is false when another record
// already holds the endpoint.
func (d *Datastore) Insert(ctx context.Context, p Process) (id uint32, ok bool, err error) {
	err = d.conn.Do(ctx, func(q store.Querier) error {
		id, ok, err = d.insert(ctx, q, p)
		return err
	})
	return id, ok, err
}

func (d *Datastore) insert(ctx context.Context, q store.Querier, p Process) (uint32, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO `+d.processes+`(cluster_id, type, name, version, address, tcp_port, udp_port, status, last_pulse, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cluster_id, type, address, tcp_port) DO NOTHING
		RETURNING id;`,
		int64(p.ClusterID), p.Type, p.Name, p.Version, p.Address, int(p.TCPPort), int(p.UDPPort),
		int(p.Status), p.LastPulse.UnixMilli(), p.CreatedAt.UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint32(id), true, nil
}

// FindByEndpoint returns the record holding the unique endpoint of p.
func (d *Datastore) FindByEndpoint(ctx context.Context, p Process) (Process, error) {
	var out []Process
	err := d.conn.Do(ctx, func(q store.Querier) error {
		rows, err := q.QueryContext(ctx, `SELECT `+processColumns+` FROM `+d.processes+`
			WHERE cluster_id = ? AND type = ? AND address = ? AND tcp_port = ?;`,
			int64(p.ClusterID), p.Type, p.Address, int(p.TCPPort))
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		out, err = scanProcesses(rows)
		return err
	})
	if err != nil {
		return Process{}, err
	}
	if len(out) == 0 {
		return Process{}, sql.ErrNoRows
	}
	return out[0], nil
}

// ReplaceStale deletes record staleID if its last pulse is still older than
// cutoff and inserts p in the same transaction. ok is false when the stale
// record came back to life or the endpoint was claimed meanwhile.
func (d *Datastore) ReplaceStale(ctx context.Context, staleID uint32, cutoff time.Time, p Process) (id uint32, ok bool, err error) {
	err = d.conn.WithTx(ctx, func(q store.Querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM `+d.processes+` WHERE id = ? AND last_pulse < ?;`,
			int64(staleID), cutoff.UnixMilli())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		id, ok, err = d.insert(ctx, q, p)
		return err
	})
	return id, ok, err
}

// UpdateStatus returns the number of rows changed.
func (d *Datastore) UpdateStatus(ctx context.Context, id uint32, status Status) (int64, error) {
	return d.exec(ctx, `UPDATE `+d.processes+` SET status = ? WHERE id = ?;`, int(status), int64(id))
}

// Pulse raises last_pulse to at. An older timestamp never overwrites a
// newer one.
func (d *Datastore) Pulse(ctx context.Context, id uint32, at time.Time) (int64, error) {
	ms := at.UnixMilli()
	return d.exec(ctx, `UPDATE `+d.processes+`
		SET last_pulse = CASE WHEN last_pulse < ? THEN ? ELSE last_pulse END
		WHERE id = ?;`, ms, ms, int64(id))
}

func (d *Datastore) Delete(ctx context.Context, id uint32) (int64, error) {
	return d.exec(ctx, `DELETE FROM `+d.processes+` WHERE id = ?;`, int64(id))
}

// List returns the records of a cluster ordered by id, optionally filtered
// by type.
func (d *Datastore) List(ctx context.Context, clusterID uint32, typ string) ([]Process, error) {
	query := `SELECT ` + processColumns + ` FROM ` + d.processes + ` WHERE cluster_id = ?`
	args := []interface{}{int64(clusterID)}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY id;`

	var out []Process
	err := d.conn.Do(ctx, func(q store.Querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		out, err = scanProcesses(rows)
		return err
	})
	return out, err
}

// PurgeOlderThan deletes the records of a cluster whose last pulse is before
// cutoff and returns what was deleted.
func (d *Datastore) PurgeOlderThan(ctx context.Context, clusterID uint32, cutoff time.Time) ([]Process, error) {
	var purged []Process
	err := d.conn.WithTx(ctx, func(q store.Querier) error {
		rows, err := q.QueryContext(ctx, `SELECT `+processColumns+` FROM `+d.processes+`
			WHERE cluster_id = ? AND last_pulse < ? ORDER BY id;`, int64(clusterID), cutoff.UnixMilli())
		if err != nil {
			return err
		}
		purged, err = scanProcesses(rows)
		_ = rows.Close()
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `DELETE FROM `+d.processes+` WHERE cluster_id = ? AND last_pulse < ?;`,
			int64(clusterID), cutoff.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return purged, nil
}

func (d *Datastore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := d.conn.Do(ctx, func(q store.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func scanProcesses(rows *sql.Rows) ([]Process, error) {
	out := make([]Process, 0)
	for rows.Next() {
		var (
			p                        Process
			id, clusterID            int64
			tcpPort, udpPort, status int64
			lastPulse, createdAt     int64
		)
		if err := rows.Scan(&id, &clusterID, &p.Type, &p.Name, &p.Version, &p.Address,
			&tcpPort, &udpPort, &status, &lastPulse, &createdAt); err != nil {
			return nil, err
		}
		p.ID = uint32(id)
		p.ClusterID = uint32(clusterID)
		p.TCPPort = uint16(tcpPort)
		p.UDPPort = uint16(udpPort)
		p.Status = Status(status)
		p.LastPulse = time.UnixMilli(lastPulse).UTC()
		p.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
