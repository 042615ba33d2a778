package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func createSchedule(t *testing.T, store storage.ScheduleStore, status model.ScheduleStatus) *model.Schedule {
	t.Helper()

	minutes := 5
	next := t0.Add(5 * time.Minute)
	schedule := &model.Schedule{
		AgentID: 1,
		Rule: model.Rule{
			Type:     model.ScheduleTypeInterval,
			Interval: &minutes,
			Timezone: model.DefaultTimezone,
		},
		Status:    status,
		NextRun:   &next,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, store.CreateSchedule(context.Background(), schedule))
	return schedule
}

func startRun(t *testing.T, ledger storage.RunLedger, scheduleID int64, at time.Time) *model.ScheduleRun {
	t.Helper()

	run := &model.ScheduleRun{
		ScheduleID: scheduleID,
		Status:     model.RunStatusRunning,
		StartTime:  at,
		CreatedAt:  at,
	}
	require.NoError(t, ledger.CreateRun(context.Background(), run))
	return run
}

func finishRun(t *testing.T, ledger storage.RunLedger, run *model.ScheduleRun, status model.RunStatus, at time.Time) {
	t.Helper()

	run.Status = status
	run.EndTime = &at
	if status == model.RunStatusFailed {
		run.Error = "agent unavailable"
	}
	require.NoError(t, ledger.FinishRun(context.Background(), run))
}
