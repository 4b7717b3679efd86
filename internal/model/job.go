package model

import "time"

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// StageTiming is the recorded wall-clock duration of one pipeline stage
// within one execution. Appended once per stage, never mutated afterwards.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// Job represents one asynchronous pipeline execution tracked in the store.
type Job struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	Pipeline   string        `json:"pipeline"`
	Params     Params        `json:"params"`
	Output     []byte        `json:"output,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Timings    []StageTiming `json:"timings,omitempty"`
	DurationMS *int          `json:"duration_ms,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}
