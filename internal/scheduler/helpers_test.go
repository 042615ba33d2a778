package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/storage"
	"github.com/t77yq/agent-scheduler/internal/testutil"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.RunEvent
}

func (n *recordingNotifier) Notify(event model.RunEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []model.RunEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]model.RunEventType, 0, len(n.events))
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

// gatedExecutor blocks every execution until release is closed
type gatedExecutor struct {
	release chan struct{}
	err     error
	calls   chan string
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{release: make(chan struct{}), calls: make(chan string, 16)}
}

func (e *gatedExecutor) Execute(ctx context.Context, _ int64, input string) (*model.ExecutionOutcome, error) {
	e.calls <- input
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return &model.ExecutionOutcome{Metadata: []byte(`{"threadId":99}`)}, nil
}

type fixture struct {
	store      *storage.SQLiteStore
	clock      *clock.Mock
	notifier   *recordingNotifier
	dispatcher *Dispatcher
	loop       *TriggerLoop
}

func newFixture(t *testing.T, executor Executor, config TriggerLoopConfig) *fixture {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(t0)

	store := testutil.NewStore(t)
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(DispatcherConfig{ExecutionTimeout: time.Minute}, store, store, executor, notifier, clk, zap.NewNop())
	t.Cleanup(dispatcher.Wait)

	loop, err := NewTriggerLoop(config, store, dispatcher, clk, zap.NewNop())
	require.NoError(t, err)

	return &fixture{
		store:      store,
		clock:      clk,
		notifier:   notifier,
		dispatcher: dispatcher,
		loop:       loop,
	}
}

func (f *fixture) createSchedule(t *testing.T, rule model.Rule, next *time.Time) *model.Schedule {
	t.Helper()
	if rule.Timezone == "" {
		rule.Timezone = model.DefaultTimezone
	}
	s := &model.Schedule{
		AgentID:   1,
		Rule:      rule,
		Metadata:  model.ScheduleMetadata{Input: "daily digest"},
		Status:    model.ScheduleStatusActive,
		NextRun:   next,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreateSchedule(context.Background(), s))
	return s
}

func (f *fixture) schedule(t *testing.T, id int64) *model.Schedule {
	t.Helper()
	s, err := f.store.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) runs(t *testing.T, scheduleID int64) []*model.ScheduleRun {
	t.Helper()
	runs, err := f.store.ListRuns(context.Background(), scheduleID, 0)
	require.NoError(t, err)
	return runs
}

func intervalRule(minutes int) model.Rule {
	return model.Rule{Type: model.ScheduleTypeInterval, Interval: &minutes}
}

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}
