// Package history exports directory lifecycle events to analytics and audit
// stores. Sinks live in subpackages; factory builds one from a DSN.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of directory event.
type EventType string

const (
	EventRegister EventType = "register"
	EventStatus   EventType = "status"
	EventRemove   EventType = "remove"
	EventPurge    EventType = "purge"
)

// Record is the flattened process record carried by an event.
type Record struct {
	ID        uint32    `json:"id"`
	ClusterID uint32    `json:"cluster_id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Address   string    `json:"address"`
	TCPPort   uint16    `json:"tcp_port"`
	UDPPort   uint16    `json:"udp_port"`
	Status    string    `json:"status"`
	LastPulse time.Time `json:"last_pulse"`
}

// Event represents a directory change to be exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Cluster    string    `json:"cluster"`
	OccurredAt time.Time `json:"occurred_at"`
	// PrevStatus is set on status events.
	PrevStatus string `json:"prev_status,omitempty"`
	Record     Record `json:"record"`
}

// NewEvent stamps a new event with a random id.
func NewEvent(typ EventType, cluster string, at time.Time, rec Record) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Cluster:    cluster,
		OccurredAt: at.UTC(),
		Record:     rec,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
