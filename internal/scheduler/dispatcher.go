package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

const (
	// DefaultExecutionTimeout bounds a single executor call
	DefaultExecutionTimeout = 10 * time.Minute

	// persistTimeout bounds ledger writes made after an execution returns
	persistTimeout = 10 * time.Second

	// staleRunGrace is added to the execution and persist timeouts before a run
	// still marked running is treated as abandoned
	staleRunGrace = time.Minute
)

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	ExecutionTimeout time.Duration
}

// Dispatcher creates a run for a claimed schedule, invokes the executor in the
// background and records the outcome in the run ledger.
type Dispatcher struct {
	logger   *zap.Logger
	clock    clock.Clock
	store    storage.ScheduleStore
	ledger   storage.RunLedger
	executor Executor
	notifier Notifier
	timeout  time.Duration

	// executions derive from ctx so Shutdown can abandon them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a new dispatcher. notifier may be nil.
func NewDispatcher(
	config DispatcherConfig,
	store storage.ScheduleStore,
	ledger storage.RunLedger,
	executor Executor,
	notifier Notifier,
	clk clock.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = DefaultExecutionTimeout
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		clock:    clk,
		store:    store,
		ledger:   ledger,
		executor: executor,
		notifier: notifier,
		timeout:  config.ExecutionTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch records a running ScheduleRun for the schedule and starts the executor
// without waiting for it. done, if not nil, is called exactly once after the run
// reaches a terminal status or when Dispatch fails.
func (d *Dispatcher) Dispatch(ctx context.Context, schedule *model.Schedule, done func()) (*model.ScheduleRun, error) {
	if done == nil {
		done = func() {}
	}

	now := d.clock.Now()
	run := &model.ScheduleRun{
		ScheduleID: schedule.ID,
		Status:     model.RunStatusRunning,
		StartTime:  now,
		CreatedAt:  now,
	}
	if err := d.ledger.CreateRun(ctx, run); err != nil {
		done()
		return nil, fmt.Errorf("failed to create run for schedule %d: %w", schedule.ID, err)
	}

	d.logger.Info("Dispatching schedule",
		zap.Int64("schedule_id", schedule.ID),
		zap.Int64("agent_id", schedule.AgentID),
		zap.Int64("run_id", run.ID))
	d.publish(model.RunEventStarted, schedule, run)

	// the deadline is armed before the goroutine starts so a mock clock can expire it
	execCtx, cancel := d.clock.WithTimeout(d.ctx, d.timeout)

	started := *run
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer done()
		defer cancel()

		outcome, err := d.invoke(execCtx, schedule)
		d.finish(schedule, &started, outcome, err)
	}()

	return run, nil
}

// invoke calls the executor, turning panics and deadline expiry into errors
func (d *Dispatcher) invoke(ctx context.Context, schedule *model.Schedule) (outcome *model.ExecutionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Executor panicked",
				zap.Int64("schedule_id", schedule.ID),
				zap.Any("panic", r))
			outcome, err = nil, fmt.Errorf("executor panicked: %v", r)
		}
	}()

	outcome, err = d.executor.Execute(ctx, schedule.AgentID, schedule.Metadata.Input)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrExecutionTimeout, d.timeout)
	}
	return outcome, err
}

// finish writes the terminal status of run and the schedule's lastRun
func (d *Dispatcher) finish(schedule *model.Schedule, run *model.ScheduleRun, outcome *model.ExecutionOutcome, execErr error) {
	end := d.clock.Now()
	run.EndTime = &end

	if execErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = execErr.Error()
	} else {
		run.Status = model.RunStatusSuccess
		if outcome != nil {
			run.Metadata = outcome.Metadata
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	logger := d.logger.With(
		zap.Int64("schedule_id", schedule.ID),
		zap.Int64("run_id", run.ID))

	if err := d.ledger.FinishRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Info("Schedule deleted while running, discarding result",
				zap.String("status", string(run.Status)))
			return
		}
		if errors.Is(err, storage.ErrRunFinished) {
			logger.Warn("Run was already failed as abandoned, discarding result",
				zap.String("status", string(run.Status)))
			return
		}
		logger.Error("Failed to record run outcome", zap.Error(err))
		return
	}

	if err := d.store.SetLastRun(ctx, schedule.ID, run.StartTime, end); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Info("Schedule deleted while running, last run not recorded")
		} else {
			logger.Error("Failed to update last run", zap.Error(err))
		}
	}

	if run.Status == model.RunStatusFailed {
		logger.Warn("Run failed",
			zap.Duration("duration", run.Duration()),
			zap.String("error", run.Error))
		d.publish(model.RunEventFailed, schedule, run)
		return
	}

	logger.Info("Run succeeded", zap.Duration("duration", run.Duration()))
	d.publish(model.RunEventSucceeded, schedule, run)
}

func (d *Dispatcher) publish(eventType model.RunEventType, schedule *model.Schedule, run *model.ScheduleRun) {
	event := model.RunEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		ScheduleID: schedule.ID,
		AgentID:    schedule.AgentID,
		OccurredAt: d.clock.Now(),
	}
	if run != nil {
		event.RunID = run.ID
		event.Status = run.Status
		event.Error = run.Error
		event.Duration = run.Duration()
	}
	d.notifier.Notify(event)
}

// RecoverStaleRuns fails runs that have been running longer than any dispatcher
// keeps them, such as runs of a process that crashed mid-execution, and emits a
// failed event for each. It returns how many runs were failed.
func (d *Dispatcher) RecoverStaleRuns(ctx context.Context) (int, error) {
	now := d.clock.Now()
	cutoff := now.Add(-(d.timeout + persistTimeout + staleRunGrace))

	runs, err := d.ledger.FailStaleRuns(ctx, cutoff, now, ErrRunAbandoned.Error())
	if err != nil {
		return 0, err
	}

	for _, run := range runs {
		schedule, err := d.store.GetSchedule(ctx, run.ScheduleID)
		if err != nil {
			schedule = &model.Schedule{ID: run.ScheduleID}
		}
		d.logger.Warn("Failed abandoned run",
			zap.Int64("schedule_id", run.ScheduleID),
			zap.Int64("run_id", run.ID),
			zap.Time("start_time", run.StartTime))
		d.publish(model.RunEventFailed, schedule, run)
	}
	return len(runs), nil
}

// Wait blocks until every dispatched execution has been recorded
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for in-flight executions until ctx is done, then cancels the
// remaining ones and waits for their failures to be recorded.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("Cancelling in-flight executions")
		d.cancel()
		<-drained
		return ctx.Err()
	}
}
