package client

import "time"

// Process is one directory record as served by the admin API.
type Process struct {
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
	CreatedAt time.Time `json:"created_at"`
	Alive     bool      `json:"alive"`
}

// ProcessList is the response of GET /processes.
type ProcessList struct {
	Cluster   string    `json:"cluster"`
	Processes []Process `json:"processes"`
}

// EngineStats is the response of GET /engine.
type EngineStats struct {
	Queued           int `json:"queued"`
	Workers          int `json:"workers"`
	IdleWorkers      int `json:"idle_workers"`
	Outstanding      int `json:"outstanding_results"`
	PendingCallbacks int `json:"pending_callbacks"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
}
