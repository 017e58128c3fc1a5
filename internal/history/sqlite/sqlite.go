package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/clustr/internal/history"
)

// Sink writes directory events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases intact
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS directory_history(
		id TEXT PRIMARY KEY,
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		cluster TEXT NOT NULL,
		event TEXT NOT NULL,
		prev_status TEXT,
		process_id INTEGER NOT NULL,
		process_type TEXT NOT NULL,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		tcp_port INTEGER NOT NULL,
		udp_port INTEGER NOT NULL,
		status TEXT NOT NULL
	);`)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directory_history(id, occurred_at, cluster, event, prev_status, process_id, process_type, name, address, tcp_port, udp_port, status)
		VALUES(?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.OccurredAt.UTC(), e.Cluster, string(e.Type), e.PrevStatus,
		rec.ID, rec.Type, rec.Name, rec.Address, rec.TCPPort, rec.UDPPort, rec.Status)
	return err
}

// Count returns the number of stored events of the given type, or of all
// types when typ is empty.
func (s *Sink) Count(ctx context.Context, typ history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM directory_history WHERE ? = '' OR event = ?`, string(typ), string(typ)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
