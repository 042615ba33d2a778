package model

import "time"

// RunEventType names a persisted state transition observable by notifiers
type RunEventType string

const (
	RunEventStarted   RunEventType = "schedule.run.started"
	RunEventSucceeded RunEventType = "schedule.run.succeeded"
	RunEventFailed    RunEventType = "schedule.run.failed"
	RunEventCompleted RunEventType = "schedule.completed"
)

// RunEvent is emitted by the dispatcher after each persisted transition
type RunEvent struct {
	ID         string        `json:"id"`
	Type       RunEventType  `json:"type"`
	ScheduleID int64         `json:"scheduleId"`
	AgentID    int64         `json:"agentId"`
	RunID      int64         `json:"runId,omitempty"`
	Status     RunStatus     `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}
