package model

import "time"

// SchedulerStats is a point-in-time snapshot published by the monitor
type SchedulerStats struct {
	ActiveSchedules int       `json:"active_schedules"`
	PausedSchedules int       `json:"paused_schedules"`
	RunsInFlight    int       `json:"runs_in_flight"`
	RunsSucceeded   int       `json:"runs_succeeded_24h"`
	RunsFailed      int       `json:"runs_failed_24h"`
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	CollectedAt     time.Time `json:"collected_at"`
}
