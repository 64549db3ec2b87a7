// Package crystal manages synthesis jobs: spawning the external agent task
// that distills vault notes into an identity crystal, relaying its progress
// to subscribers, and running the recurring regeneration schedule.
package crystal

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a synthesis job
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// IsTerminal returns true once a job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Job is one execution of the synthesis task, tracked from spawn to
// terminal state. Progress moves 0-100 in the well-behaved case; the
// orchestrator clamps out-of-range values but never rewrites a decrease.
type Job struct {
	ID          string     `json:"id"`
	Workspace   string     `json:"workspace"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Stage       string     `json:"stage"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// SpawnRequest carries the per-run inputs. AdditionalContext is appended to
// the synthesis prompt and lives only as long as the job; StripSystemPrompt
// drops the base prompt and runs from AdditionalContext alone.
type SpawnRequest struct {
	AdditionalContext string `json:"additionalContext"`
	StripSystemPrompt bool   `json:"stripSystemPrompt"`
}

// EventType distinguishes progress updates from the terminal event.
type EventType string

const (
	EventTypeProgress EventType = "progress"
	EventTypeDone     EventType = "done"
)

// Event is one update from the synthesis task. A job's event sequence is
// zero or more progress events followed by exactly one terminal event.
type Event struct {
	Type     EventType `json:"type"`
	Progress int       `json:"progress,omitempty"`
	Stage    string    `json:"stage,omitempty"`
	Status   JobStatus `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// NewJobID generates a unique job identifier
func NewJobID() string {
	return uuid.NewString()
}
