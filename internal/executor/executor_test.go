package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/scheduler"
	"github.com/t77yq/agent-scheduler/internal/testutil"
)

func newPlatform(t *testing.T, handler http.Handler) *PlatformClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewPlatformClient(PlatformConfig{
		BaseURL:  server.URL + "/",
		RetryMin: time.Millisecond,
		RetryMax: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHTTPExecutor_Execute(t *testing.T) {
	var gotContent string
	mux := http.NewServeMux()
	mux.HandleFunc("/thread/agent/3", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, http.StatusCreated, Thread{ID: 12, AgentID: 3})
	})
	mux.HandleFunc("/thread/12/message", func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotContent = req.Content
		writeJSON(w, http.StatusCreated, Message{ID: 40, ThreadID: 12, Role: "assistant", Content: "done"})
	})

	executor := NewHTTPExecutor(newPlatform(t, mux), zap.NewNop())
	outcome, err := executor.Execute(context.Background(), 3, "summarize yesterday's tickets")
	require.NoError(t, err)

	assert.Equal(t, "summarize yesterday's tickets", gotContent)
	assert.JSONEq(t, `{"threadId":12,"messageId":40}`, string(outcome.Metadata))
}

func TestHTTPExecutor_RetriesUnavailable(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/thread/agent/3", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusCreated, Thread{ID: 12, AgentID: 3})
	})
	mux.HandleFunc("/thread/12/message", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, Message{ID: 41})
	})

	executor := NewHTTPExecutor(newPlatform(t, mux), zap.NewNop())
	_, err := executor.Execute(context.Background(), 3, "ping")
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestHTTPExecutor_FailsOnServerError(t *testing.T) {
	var attempts atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "agent crashed", http.StatusInternalServerError)
	})

	executor := NewHTTPExecutor(newPlatform(t, handler), zap.NewNop())
	_, err := executor.Execute(context.Background(), 3, "ping")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "agent crashed")
	assert.Equal(t, int32(1), attempts.Load(), "only unavailable responses are retried")

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestHTTPExecutor_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	executor := NewHTTPExecutor(newPlatform(t, handler), zap.NewNop())
	_, err := executor.Execute(context.Background(), 3, "ping")
	require.Error(t, err)
	assert.Equal(t, int32(defaultMaxAttempts), attempts.Load())
}

func TestHTTPExecutor_DoesNotResendMessageAfterGatewayError(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusGatewayTimeout} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var posts atomic.Int32
			mux := http.NewServeMux()
			mux.HandleFunc("/thread/agent/3", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusCreated, Thread{ID: 12, AgentID: 3})
			})
			mux.HandleFunc("/thread/12/message", func(w http.ResponseWriter, r *http.Request) {
				if posts.Add(1) == 1 {
					w.WriteHeader(status)
					return
				}
				writeJSON(w, http.StatusCreated, Message{ID: 41})
			})

			executor := NewHTTPExecutor(newPlatform(t, mux), zap.NewNop())
			_, err := executor.Execute(context.Background(), 3, "ping")
			require.Error(t, err)

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, status, statusErr.Code)
			assert.Equal(t, int32(1), posts.Load(), "the agent input is delivered at most once")
		})
	}
}

func TestHTTPExecutor_OutlivesRequestTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/thread/agent/3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, Thread{ID: 12, AgentID: 3})
	})
	mux.HandleFunc("/thread/12/message", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeJSON(w, http.StatusCreated, Message{ID: 41})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewPlatformClient(PlatformConfig{
		BaseURL:        server.URL,
		RequestTimeout: 50 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = NewHTTPExecutor(client, zap.NewNop()).Execute(ctx, 3, "long task")
	require.NoError(t, err)
}

func TestHTTPExecutor_RetryWaitsOnClock(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/thread/agent/3", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusCreated, Thread{ID: 12, AgentID: 3})
	})
	mux.HandleFunc("/thread/12/message", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, Message{ID: 41})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	clk := clock.NewMock()
	client, err := NewPlatformClient(PlatformConfig{
		BaseURL:  server.URL,
		RetryMin: time.Hour,
		RetryMax: 2 * time.Hour,
		Clock:    clk,
	}, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := NewHTTPExecutor(client, zap.NewNop()).Execute(context.Background(), 3, "ping")
		done <- err
	}()

	require.Eventually(t, func() bool { return attempts.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("returned before the backoff elapsed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		clk.Add(2 * time.Hour)
		return attempts.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, <-done)
}

func TestHTTPExecutor_HonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})

	executor := NewHTTPExecutor(newPlatform(t, handler), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := executor.Execute(ctx, 3, "ping")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAgentDirectory(t *testing.T) {
	var lookups atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/agent/1", func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":          1,
			"name":        "Inbox triage",
			"description": "Sorts incoming mail",
			"workspaceId": 4,
		})
	})
	mux.HandleFunc("/agent/2", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Agent not found"}`, http.StatusNotFound)
	})

	directory := NewAgentDirectory(newPlatform(t, mux), time.Minute, zap.NewNop())
	directory.Start()
	defer directory.Stop()

	agent, err := directory.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Inbox triage", agent.Name)
	require.NotNil(t, agent.Description)
	assert.Equal(t, "Sorts incoming mail", *agent.Description)

	_, err = directory.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), lookups.Load(), "second lookup is served from cache")

	directory.Invalidate(1)
	_, err = directory.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), lookups.Load())

	_, err = directory.GetAgent(context.Background(), 2)
	require.ErrorIs(t, err, scheduler.ErrAgentNotFound)
}

func TestAgentDirectory_RetriesGatewayErrors(t *testing.T) {
	var lookups atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lookups.Add(1) == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": 1, "name": "Inbox triage"})
	})

	directory := NewAgentDirectory(newPlatform(t, handler), time.Minute, zap.NewNop())
	agent, err := directory.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Inbox triage", agent.Name)
	assert.Equal(t, int32(2), lookups.Load())
}

func TestAgentDirectory_LookupTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewPlatformClient(PlatformConfig{
		BaseURL:        server.URL,
		RequestTimeout: 50 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = NewAgentDirectory(client, time.Minute, zap.NewNop()).GetAgent(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewPlatformClient_RequiresBaseURL(t *testing.T) {
	_, err := NewPlatformClient(PlatformConfig{}, zap.NewNop())
	require.Error(t, err)
}

func TestNATSExecutor(t *testing.T) {
	nc, _ := testutil.StartJetStream(t)

	_, err := nc.QueueSubscribe(ExecuteSubject(5), "agent-workers", func(msg *nats.Msg) {
		var req ExecuteRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		reply := ExecuteReply{Success: true, Metadata: json.RawMessage(`{"threadId":77}`)}
		if req.Input == "fail" {
			reply = ExecuteReply{Error: "model quota exhausted"}
		}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	executor := NewNATSExecutor(nc, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("Success", func(t *testing.T) {
		outcome, err := executor.Execute(ctx, 5, "weekly report")
		require.NoError(t, err)
		assert.JSONEq(t, `{"threadId":77}`, string(outcome.Metadata))
	})

	t.Run("Agent failure", func(t *testing.T) {
		_, err := executor.Execute(ctx, 5, "fail")
		require.EqualError(t, err, "model quota exhausted")
	})

	t.Run("No worker", func(t *testing.T) {
		_, err := executor.Execute(ctx, 6, "weekly report")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no worker is serving agent 6")
	})
}
