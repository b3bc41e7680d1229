package types

import "time"

// WorkerRecord advertises a live engine worker process.
type WorkerRecord struct {
	ID            string    `json:"id"`
	Host          string    `json:"host"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`

	Versioned
}

// GetID returns the worker id.
func (w *WorkerRecord) GetID() string {
	return w.ID
}

// IsLive reports whether the worker heartbeated within deadAfter of now.
func (w *WorkerRecord) IsLive(now time.Time, deadAfter time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < deadAfter
}
