package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// Thread is the conversation the platform opens for an agent
type Thread struct {
	ID      int64 `json:"id"`
	AgentID int64 `json:"agentId"`
}

// Message is a chat message in a thread
type Message struct {
	ID       int64  `json:"id"`
	ThreadID int64  `json:"threadId"`
	Role     string `json:"role"`
	Content  string `json:"content"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// RunOutcome is the metadata recorded on successful runs
type RunOutcome struct {
	ThreadID  int64 `json:"threadId"`
	MessageID int64 `json:"messageId"`
}

// HTTPExecutor runs an agent by opening a thread for it on the agent platform and
// posting the schedule input as the first message. The platform answers once the
// agent has replied.
type HTTPExecutor struct {
	logger *zap.Logger
	client *PlatformClient
}

// NewHTTPExecutor creates a new HTTP executor
func NewHTTPExecutor(client *PlatformClient, logger *zap.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		logger: logger.Named("http-executor"),
		client: client,
	}
}

// Execute implements scheduler.Executor
func (e *HTTPExecutor) Execute(ctx context.Context, agentID int64, input string) (*model.ExecutionOutcome, error) {
	var thread Thread
	if err := e.client.do(ctx, http.MethodPost, fmt.Sprintf("/thread/agent/%d", agentID), map[string]int64{"agentId": agentID}, &thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	e.logger.Debug("Created thread",
		zap.Int64("agent_id", agentID),
		zap.Int64("thread_id", thread.ID))

	var message Message
	if err := e.client.do(ctx, http.MethodPost, fmt.Sprintf("/thread/%d/message", thread.ID), sendMessageRequest{Content: input}, &message); err != nil {
		return nil, fmt.Errorf("failed to send message to thread %d: %w", thread.ID, err)
	}

	metadata, err := json.Marshal(RunOutcome{ThreadID: thread.ID, MessageID: message.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return &model.ExecutionOutcome{Metadata: metadata}, nil
}
