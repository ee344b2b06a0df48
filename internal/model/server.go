package model

import "time"

// WorkerServer is one registered remote verification server. Heartbeats keep
// the row fresh; the drain flag removes the server from claim eligibility
// without touching in-flight leases.
type WorkerServer struct {
	ID       string `json:"id"`
	IP       string `json:"ip,omitempty"`
	Env      string `json:"env,omitempty"`
	Region   string `json:"region,omitempty"`
	Pool     string `json:"pool,omitempty"`
	Online   bool   `json:"online"`
	Draining bool   `json:"draining"`

	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Stale reports whether the server has missed its heartbeat window.
func (s *WorkerServer) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.LastHeartbeatAt) > threshold
}
