package model

import (
	"time"
)

// ScheduleType selects which recurrence fields of a Schedule are meaningful
type ScheduleType string

const (
	ScheduleTypeInterval ScheduleType = "INTERVAL"
	ScheduleTypeCron     ScheduleType = "CRON"
	ScheduleTypeFixed    ScheduleType = "FIXED"
)

// ScheduleStatus represents the lifecycle state of a schedule
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "active"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusFailed    ScheduleStatus = "failed"
)

// DefaultTimezone is used when a schedule does not name one
const DefaultTimezone = "UTC"

// ScheduleMetadata is handed to the agent executor on every run
type ScheduleMetadata struct {
	Input string `json:"input"`
}

// Rule is the recurrence part of a schedule.
type Rule struct {
	Type           ScheduleType `json:"type"`
	Interval       *int         `json:"interval,omitempty"`
	CronExpression *string      `json:"cronExpression,omitempty"`
	Timezone       string       `json:"timezone,omitempty"`
	FixedTime      *time.Time   `json:"fixedTime,omitempty"`
}

// Schedule is a persisted recurrence rule bound to one agent
type Schedule struct {
	ID      int64 `json:"id"`
	AgentID int64 `json:"agentId"`
	Rule

	Metadata ScheduleMetadata `json:"metadata"`
	Status   ScheduleStatus   `json:"status"`

	LastRun *time.Time `json:"lastRun"`
	NextRun *time.Time `json:"nextRun"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Location returns the schedule's timezone, falling back to UTC
func (r Rule) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}

// IsDue reports whether the schedule should fire at now
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Status == ScheduleStatusActive && s.NextRun != nil && !s.NextRun.After(now)
}
