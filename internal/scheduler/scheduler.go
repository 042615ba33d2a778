package scheduler

import (
	"context"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// Executor runs an agent once with the given input. A nil error means the agent
// reported success; any error is recorded on the run as a failure.
type Executor interface {
	Execute(ctx context.Context, agentID int64, input string) (*model.ExecutionOutcome, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, agentID int64, input string) (*model.ExecutionOutcome, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, agentID int64, input string) (*model.ExecutionOutcome, error) {
	return f(ctx, agentID, input)
}

// Notifier receives run events after each persisted transition. Implementations must
// not block the caller.
type Notifier interface {
	Notify(event model.RunEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(model.RunEvent) {}
