package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the status of a single schedule firing
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// ScheduleRun is one concrete firing of a Schedule
type ScheduleRun struct {
	ID         int64           `json:"id"`
	ScheduleID int64           `json:"scheduleId"`
	Status     RunStatus       `json:"status"`
	StartTime  time.Time       `json:"startTime"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Error      string          `json:"error,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Duration returns how long the run took, or zero while it is still running
func (r *ScheduleRun) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// ExecutionOutcome is what an agent executor reports for a successful run
type ExecutionOutcome struct {
	// Metadata is stored on the run verbatim, e.g. the id of the thread the agent answered in
	Metadata json.RawMessage `json:"metadata,omitempty"`
}
