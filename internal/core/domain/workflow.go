package domain

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkflowRun is the durable record of one step executing for one event.
type WorkflowRun struct {
	ID        string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	EventID   string          `json:"event_id"`
	EventName string          `json:"event_name"`
	Status    RunStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StepCheckpoint is the memoized output of a named sub-step within a run.
// Large outputs live in object storage and are referenced by BlobKey.
type StepCheckpoint struct {
	RunID     string          `json:"run_id"`
	Name      string          `json:"name"`
	Output    json.RawMessage `json:"output,omitempty"`
	BlobKey   string          `json:"blob_key,omitempty"`
	Bytes     int             `json:"bytes"`
	CreatedAt time.Time       `json:"created_at"`
}
