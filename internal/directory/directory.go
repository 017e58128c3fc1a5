// Package directory keeps the cluster's shared view of which processes are
// running, where they listen and whether they are still alive.
//
// Each process owns exactly one record. It registers the record once, moves
// its status forward as it boots and shuts down, refreshes its pulse every
// tick and removes the record on clean exit. A record whose pulse stops is
// considered dead after the liveness timeout.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/clustr/internal/history"
	"github.com/loykin/clustr/internal/metrics"
)

var (
	ErrProcessExists     = errors.New("process endpoint already registered")
	ErrNotRegistered     = errors.New("process not registered")
	ErrAlreadyRegistered = errors.New("process already registered by this directory")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidProcess    = errors.New("invalid process")
	ErrClusterName       = errors.New("cluster name is required")
)

// DefaultLivenessTimeout is how long a record may go without a pulse before
// it is considered dead.
const DefaultLivenessTimeout = 30 * time.Second

const sinkTimeout = 5 * time.Second

// Directory is one process's handle on the cluster directory.
type Directory struct {
	ds        *Datastore
	cluster   string
	clusterID uint32
	now       func() time.Time
	timeout   time.Duration
	sinks     []history.Sink
	logger    *slog.Logger

	mu   sync.RWMutex
	self *Process
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLivenessTimeout(t time.Duration) Option {
	return func(d *Directory) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithSinks sets the history sinks lifecycle events are exported to.
func WithSinks(sinks ...history.Sink) Option {
	return func(d *Directory) { d.sinks = append(d.sinks, sinks...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// New ensures the directory tables exist and resolves the cluster id for
// clusterName, creating the cluster on first use.
func New(ctx context.Context, ds *Datastore, clusterName string, opts ...Option) (*Directory, error) {
	clusterName = strings.TrimSpace(clusterName)
	if clusterName == "" {
		return nil, ErrClusterName
	}
	d := &Directory{
		ds:      ds,
		cluster: clusterName,
		now:     time.Now,
		timeout: DefaultLivenessTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if err := ds.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	id, err := ds.ClusterID(ctx, clusterName, d.now())
	if err != nil {
		return nil, err
	}
	d.clusterID = id
	return d, nil
}

func (d *Directory) Cluster() string                { return d.cluster }
func (d *Directory) ClusterID() uint32              { return d.clusterID }
func (d *Directory) LivenessTimeout() time.Duration { return d.timeout }

// RegisterProcess inserts the record for this process. It fails with
// ErrProcessExists while a live record holds the same endpoint; a dead one
// is replaced.
func (d *Directory) RegisterProcess(ctx context.Context, spec ProcessSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.self != nil {
		return fmt.Errorf("%w: id %d", ErrAlreadyRegistered, d.self.ID)
	}

	now := d.now()
	p := Process{
		ClusterID: d.clusterID,
		Type:      spec.Type,
		Name:      spec.Name,
		Version:   spec.Version,
		Address:   spec.Address,
		TCPPort:   spec.TCPPort,
		UDPPort:   spec.UDPPort,
		Status:    spec.Status,
		LastPulse: now,
		CreatedAt: now,
	}

	id, ok, err := d.ds.Insert(ctx, p)
	if err != nil {
		metrics.IncRegistration(d.cluster, p.Type, "error")
		return fmt.Errorf("register process: %w", err)
	}
	outcome := "registered"
	if !ok {
		id, ok, err = d.takeOver(ctx, p, now)
		if err != nil {
			metrics.IncRegistration(d.cluster, p.Type, "error")
			return err
		}
		if !ok {
			metrics.IncRegistration(d.cluster, p.Type, "conflict")
			return fmt.Errorf("%w: %s %s", ErrProcessExists, p.Type, p.Endpoint())
		}
		outcome = "takeover"
	}

	p.ID = id
	d.self = &p
	metrics.IncRegistration(d.cluster, p.Type, outcome)
	metrics.SetLastPulse(d.cluster, p.Type, now)
	d.logger.Info("Process registered", "cluster", d.cluster, "id", p.ID, "type", p.Type, "endpoint", p.Endpoint(), "status", p.Status, "takeover", outcome == "takeover")
	d.emit(ctx, history.NewEvent(history.EventRegister, d.cluster, now, p.record()))
	return nil
}

// takeOver replaces the record holding p's endpoint when that record is dead.
func (d *Directory) takeOver(ctx context.Context, p Process, now time.Time) (uint32, bool, error) {
	existing, err := d.ds.FindByEndpoint(ctx, p)
	if errors.Is(err, sql.ErrNoRows) {
		// removed between insert and lookup
		return d.ds.Insert(ctx, p)
	}
	if err != nil {
		return 0, false, fmt.Errorf("register process: %w", err)
	}
	if IsAlive(existing, now, d.timeout) {
		return 0, false, nil
	}
	id, ok, err := d.ds.ReplaceStale(ctx, existing.ID, now.Add(-d.timeout), p)
	if err != nil {
		return 0, false, fmt.Errorf("replace stale process %d: %w", existing.ID, err)
	}
	if ok {
		d.logger.Warn("Replaced stale process record", "cluster", d.cluster, "stale_id", existing.ID, "last_pulse", existing.LastPulse, "endpoint", existing.Endpoint())
	}
	return id, ok, nil
}

// UpdateProcessStatus moves this process's record to status.
func (d *Directory) UpdateProcessStatus(ctx context.Context, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.self == nil {
		return ErrNotRegistered
	}
	prev := d.self.Status
	if !prev.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, status)
	}
	if prev == status {
		return nil
	}
	n, err := d.ds.UpdateStatus(ctx, d.self.ID, status)
	if err != nil {
		return fmt.Errorf("update process status: %w", err)
	}
	if n == 0 {
		return d.lost("status update")
	}
	d.self.Status = status
	metrics.RecordStatusTransition(d.self.Type, prev.String(), status.String())
	d.logger.Info("Process status changed", "cluster", d.cluster, "id", d.self.ID, "from", prev, "to", status)

	e := history.NewEvent(history.EventStatus, d.cluster, d.now(), d.self.record())
	e.PrevStatus = prev.String()
	d.emit(ctx, e)
	return nil
}

// Pulse refreshes this process's liveness timestamp. It does nothing before
// registration. When the record was deleted underneath it, Pulse forgets the
// record and returns ErrNotRegistered so the owner can register again.
func (d *Directory) Pulse(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.self == nil {
		return nil
	}
	now := d.now()
	n, err := d.ds.Pulse(ctx, d.self.ID, now)
	if err == nil && n == 0 {
		err = d.lost("pulse")
	}
	metrics.IncPulse(d.cluster, err)
	if errors.Is(err, ErrNotRegistered) {
		return err
	}
	if err != nil {
		return fmt.Errorf("pulse: %w", err)
	}
	if now.After(d.self.LastPulse) {
		d.self.LastPulse = now
	}
	metrics.SetLastPulse(d.cluster, d.self.Type, d.self.LastPulse)
	return nil
}

// lost forgets the cached record after its row disappeared, typically
// purged by a sweeper. Caller holds d.mu.
func (d *Directory) lost(op string) error {
	p := *d.self
	d.self = nil
	d.logger.Error("Process record no longer in directory", "cluster", d.cluster, "id", p.ID, "type", p.Type, "op", op)
	return fmt.Errorf("%w: record %d was removed (%s)", ErrNotRegistered, p.ID, op)
}

// RemoveProcess deletes this process's record. Calling it again, or before
// registration, does nothing.
func (d *Directory) RemoveProcess(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.self == nil {
		return nil
	}
	if _, err := d.ds.Delete(ctx, d.self.ID); err != nil {
		return fmt.Errorf("remove process: %w", err)
	}
	p := *d.self
	d.self = nil
	d.logger.Info("Process removed", "cluster", d.cluster, "id", p.ID, "type", p.Type)
	d.emit(ctx, history.NewEvent(history.EventRemove, d.cluster, d.now(), p.record()))
	return nil
}

// Process returns a copy of this process's record.
func (d *Directory) Process() (Process, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.self == nil {
		return Process{}, false
	}
	return *d.self, true
}

// Processes returns every record in the cluster.
func (d *Directory) Processes(ctx context.Context) ([]Process, error) {
	return d.ds.List(ctx, d.clusterID, "")
}

// ProcessesByType returns the records of one process type.
func (d *Directory) ProcessesByType(ctx context.Context, typ string) ([]Process, error) {
	return d.ds.List(ctx, d.clusterID, typ)
}

// IsAlive reports whether p is alive by this directory's clock and timeout.
func (d *Directory) IsAlive(p Process) bool {
	return IsAlive(p, d.now(), d.timeout)
}

// Classify splits the cluster's records into live and dead ones.
func (d *Directory) Classify(ctx context.Context) (alive, dead []Process, err error) {
	all, err := d.Processes(ctx)
	if err != nil {
		return nil, nil, err
	}
	alive, dead = Classify(all, d.now(), d.timeout)
	return alive, dead, nil
}

// PurgeStale deletes dead records of the cluster and returns them.
func (d *Directory) PurgeStale(ctx context.Context) ([]Process, error) {
	now := d.now()
	purged, err := d.ds.PurgeOlderThan(ctx, d.clusterID, now.Add(-d.timeout))
	if err != nil {
		return nil, fmt.Errorf("purge stale processes: %w", err)
	}
	if len(purged) == 0 {
		return purged, nil
	}
	metrics.AddPurged(d.cluster, int64(len(purged)))
	for _, p := range purged {
		d.logger.Info("Purged dead process", "cluster", d.cluster, "id", p.ID, "type", p.Type, "last_pulse", p.LastPulse)
		d.emit(ctx, history.NewEvent(history.EventPurge, d.cluster, now, p.record()))
	}
	return purged, nil
}

// emit sends e to every sink. Sink failures are logged and never returned.
func (d *Directory) emit(ctx context.Context, e history.Event) {
	if len(d.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("History sink failed", "event", e.Type, "id", e.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
