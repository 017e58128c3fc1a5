package directory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/clustr/internal/history"
)

// Status is the lifecycle state of a cluster process.
type Status int

const (
	StatusOffline Status = iota
	StatusStarting
	StatusLoading
	StatusOnline
	StatusShuttingDown
)

var statusNames = [...]string{"offline", "starting", "loading", "online", "shutting_down"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s >= StatusOffline && s <= StatusShuttingDown }

// CanTransition reports whether a record in status s may move to to.
// Statuses only advance; setting the current status again is allowed.
func (s Status) CanTransition(to Status) bool {
	return to.Valid() && to >= s
}

// ParseStatus accepts a status name or its numeric value.
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		var n int
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		name = strconv.Itoa(n)
	}
	v, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ProcessSpec describes the process a directory registers for itself.
type ProcessSpec struct {
	Type    string `mapstructure:"type" json:"type"`
	Name    string `mapstructure:"name" json:"name"`
	Version string `mapstructure:"version" json:"version"`
	Address string `mapstructure:"address" json:"address"`
	TCPPort uint16 `mapstructure:"tcp_port" json:"tcp_port"`
	UDPPort uint16 `mapstructure:"udp_port" json:"udp_port"`
	Status  Status `mapstructure:"-" json:"status"`
}

// Validate checks the fields the datastore requires.
func (s ProcessSpec) Validate() error {
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidProcess)
	}
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidProcess)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidProcess, s.Status)
	}
	return nil
}

// Process is one member of a cluster. ID is zero until the datastore
// assigns it.
type Process struct {
	ID        uint32    `json:"id"`
	ClusterID uint32    `json:"cluster_id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Address   string    `json:"address"`
	TCPPort   uint16    `json:"tcp_port"`
	UDPPort   uint16    `json:"udp_port"`
	Status    Status    `json:"status"`
	LastPulse time.Time `json:"last_pulse"`
	CreatedAt time.Time `json:"created_at"`
}

// Endpoint returns address:tcp_port.
func (p Process) Endpoint() string {
	return p.Address + ":" + strconv.Itoa(int(p.TCPPort))
}

func (p Process) record() history.Record {
	return history.Record{
		ID:        p.ID,
		ClusterID: p.ClusterID,
		Type:      p.Type,
		Name:      p.Name,
		Version:   p.Version,
		Address:   p.Address,
		TCPPort:   p.TCPPort,
		UDPPort:   p.UDPPort,
		Status:    p.Status.String(),
		LastPulse: p.LastPulse,
	}
}
