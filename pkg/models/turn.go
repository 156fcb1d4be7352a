package models

import "time"

// Run is the audit record for a single prompt-to-answer turn.
type Run struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	UserID     string    `json:"user_id"`
	Prompt     string    `json:"prompt"`
	Answer     string    `json:"answer,omitempty"`
	Status     string    `json:"status"`
	Steps      int       `json:"steps"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
}

// RunEvent is one persisted entry of a run's event trail.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Kind      EventKind `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RunStatusActive    = "active"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)
