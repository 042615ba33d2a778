package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// ExecuteSubjectPrefix is followed by the agent id
const ExecuteSubjectPrefix = "agent.execute."

// ExecuteRequest is sent to agent workers
type ExecuteRequest struct {
	AgentID int64  `json:"agentId"`
	Input   string `json:"input"`
}

// ExecuteReply is what an agent worker answers with
type ExecuteReply struct {
	Success  bool            `json:"success"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// NATSExecutor runs agents through NATS request/reply, for agent workers that
// subscribe to agent.execute.<agentId> (usually in a queue group)
type NATSExecutor struct {
	logger *zap.Logger
	nc     *nats.Conn
}

// NewNATSExecutor creates a new NATS executor
func NewNATSExecutor(nc *nats.Conn, logger *zap.Logger) *NATSExecutor {
	return &NATSExecutor{
		logger: logger.Named("nats-executor"),
		nc:     nc,
	}
}

// ExecuteSubject returns the subject requests for agentID are sent on
func ExecuteSubject(agentID int64) string {
	return fmt.Sprintf("%s%d", ExecuteSubjectPrefix, agentID)
}

// Execute implements scheduler.Executor. The request waits until ctx is done.
func (e *NATSExecutor) Execute(ctx context.Context, agentID int64, input string) (*model.ExecutionOutcome, error) {
	data, err := json.Marshal(ExecuteRequest{AgentID: agentID, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	subject := ExecuteSubject(agentID)
	msg, err := e.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no worker is serving agent %d", agentID)
		}
		return nil, fmt.Errorf("request on %s failed: %w", subject, err)
	}

	var reply ExecuteReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if !reply.Success {
		if reply.Error == "" {
			reply.Error = "agent reported failure"
		}
		return nil, errors.New(reply.Error)
	}

	e.logger.Debug("Agent replied", zap.Int64("agent_id", agentID))
	return &model.ExecutionOutcome{Metadata: reply.Metadata}, nil
}
