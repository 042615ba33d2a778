package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/recurrence"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

const (
	DefaultTickInterval      = 30 * time.Second
	MaxTickInterval          = time.Minute
	DefaultBatchSize         = 100
	DefaultMaxConcurrentRuns = 64

	// maxCatchUpSteps bounds how many missed occurrences are skipped one by one
	maxCatchUpSteps = 10000
)

// TriggerLoopConfig configures a TriggerLoop
type TriggerLoopConfig struct {
	TickInterval      time.Duration
	BatchSize         int
	MaxConcurrentRuns int64
}

// TickReport summarizes a single pass over due schedules
type TickReport struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	RaceLost  int `json:"raceLost"`
	Deferred  int `json:"deferred"`
	Completed int `json:"completed"`
	Recovered int `json:"recovered"`
	Errors    int `json:"errors"`
}

// TriggerLoop periodically claims due schedules and hands them to the dispatcher.
// Several loops may share one store; the claim guarantees each firing is
// dispatched at most once.
type TriggerLoop struct {
	id         string
	logger     *zap.Logger
	clock      clock.Clock
	store      storage.ScheduleStore
	dispatcher *Dispatcher
	config     TriggerLoopConfig

	// one slot per in-flight execution
	slots *semaphore.Weighted
}

// NewTriggerLoop creates a new trigger loop
func NewTriggerLoop(config TriggerLoopConfig, store storage.ScheduleStore, dispatcher *Dispatcher, clk clock.Clock, logger *zap.Logger) (*TriggerLoop, error) {
	if config.TickInterval == 0 {
		config.TickInterval = DefaultTickInterval
	}
	// interval firings stay exactly spaced only when the tick divides every whole minute
	if config.TickInterval < 0 || MaxTickInterval%config.TickInterval != 0 {
		return nil, fmt.Errorf("tick interval %s must divide %s", config.TickInterval, MaxTickInterval)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxConcurrentRuns <= 0 {
		config.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	id := uuid.New().String()
	return &TriggerLoop{
		id:         id,
		logger:     logger.Named("trigger-loop").With(zap.String("loop_id", id)),
		clock:      clk,
		store:      store,
		dispatcher: dispatcher,
		config:     config,
		slots:      semaphore.NewWeighted(config.MaxConcurrentRuns),
	}, nil
}

// Run ticks until ctx is cancelled. The first tick happens immediately so firings
// missed while the process was down are picked up on start.
func (l *TriggerLoop) Run(ctx context.Context) error {
	l.logger.Info("Starting trigger loop",
		zap.Duration("tick_interval", l.config.TickInterval),
		zap.Int("batch_size", l.config.BatchSize),
		zap.Int64("max_concurrent_runs", l.config.MaxConcurrentRuns))

	ticker := l.clock.Ticker(l.config.TickInterval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Stopping trigger loop")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick fails abandoned runs, then claims and dispatches every schedule due at
// the current time
func (l *TriggerLoop) Tick(ctx context.Context) TickReport {
	var report TickReport
	now := l.clock.Now()

	recovered, err := l.dispatcher.RecoverStaleRuns(ctx)
	if err != nil {
		l.logger.Error("Failed to recover abandoned runs", zap.Error(err))
		report.Errors++
	}
	report.Recovered = recovered

	due, err := l.store.ListDue(ctx, now, l.config.BatchSize)
	if err != nil {
		l.logger.Error("Failed to list due schedules", zap.Error(err))
		report.Errors++
		return report
	}
	report.Due = len(due)

	for i, schedule := range due {
		if ctx.Err() != nil {
			report.Deferred += len(due) - i
			break
		}
		if !l.slots.TryAcquire(1) {
			report.Deferred++
			continue
		}

		claimed, err := l.claim(ctx, schedule, now)
		if err != nil {
			l.slots.Release(1)
			l.logger.Error("Failed to claim schedule",
				zap.Int64("schedule_id", schedule.ID),
				zap.Error(err))
			report.Errors++
			continue
		}
		if !claimed {
			l.slots.Release(1)
			l.logger.Debug("Skipping schedule",
				zap.Int64("schedule_id", schedule.ID),
				zap.Error(ErrDispatchRaceLost))
			report.RaceLost++
			continue
		}

		report.Claimed++
		if schedule.Status == model.ScheduleStatusCompleted {
			report.Completed++
			l.dispatcher.publish(model.RunEventCompleted, schedule, nil)
		}

		if _, err := l.dispatcher.Dispatch(ctx, schedule, func() { l.slots.Release(1) }); err != nil {
			l.logger.Error("Failed to dispatch schedule",
				zap.Int64("schedule_id", schedule.ID),
				zap.Error(err))
			report.Errors++
		}
	}

	if report.Due > 0 || report.Recovered > 0 {
		l.logger.Debug("Tick finished",
			zap.Int("due", report.Due),
			zap.Int("claimed", report.Claimed),
			zap.Int("race_lost", report.RaceLost),
			zap.Int("deferred", report.Deferred),
			zap.Int("completed", report.Completed),
			zap.Int("recovered", report.Recovered),
			zap.Int("errors", report.Errors))
	}
	return report
}

// claim moves the schedule's nextRun past the firing it was read with. On success
// schedule reflects the stored nextRun and status.
func (l *TriggerLoop) claim(ctx context.Context, schedule *model.Schedule, now time.Time) (bool, error) {
	firedAt := *schedule.NextRun
	next := advance(schedule.Rule, firedAt, now)

	claimed, err := l.store.Claim(ctx, schedule.ID, firedAt, next, now)
	if err != nil || !claimed {
		return false, err
	}

	schedule.NextRun = next
	schedule.UpdatedAt = now
	if next == nil {
		schedule.Status = model.ScheduleStatusCompleted
	}
	return true, nil
}

// advance computes the occurrence following firedAt, skipping occurrences that are
// already in the past so a late firing is not followed by a burst of catch-up runs.
func advance(rule model.Rule, firedAt, now time.Time) *time.Time {
	next := recurrence.Next(rule, firedAt)
	for i := 0; next != nil && !next.After(now); i++ {
		if i == maxCatchUpSteps {
			return recurrence.Next(rule, now)
		}
		next = recurrence.Next(rule, *next)
	}
	return next
}
