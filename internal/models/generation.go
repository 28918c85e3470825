package models

import "time"

// Generation statuses.
const (
	GenerationCompleted = "COMPLETED"
	GenerationFailed    = "FAILED"
)

// Generation is the outcome of one render-and-encode run. The encoded bytes
// are never stored here, only in the time-bounded cache.
type Generation struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Status     string    `json:"status"`
	Frames     int       `json:"frames"`
	SizeBytes  int       `json:"size_bytes"`
	Waiters    int       `json:"waiters"`
	DurationMS int64     `json:"duration_ms"`
	ErrorText  string    `json:"error_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
