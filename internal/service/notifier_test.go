package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/testutil"
)

func TestEventNotifier(t *testing.T) {
	_, js := testutil.StartJetStream(t)

	notifier, err := NewEventNotifier(js, zap.NewNop())
	require.NoError(t, err)
	defer notifier.Stop()

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo(EventStreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{"schedule.>"}, stream.Config.Subjects)

		// a second notifier reuses the stream
		other, err := NewEventNotifier(js, zap.NewNop())
		require.NoError(t, err)
		other.Stop()
	})

	t.Run("Publish and subscribe", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		received := make(chan model.RunEvent, 4)
		require.NoError(t, notifier.SubscribeEvents(ctx, func(event model.RunEvent) {
			received <- event
		}))

		event := model.RunEvent{
			ID:         uuid.New().String(),
			Type:       model.RunEventFailed,
			ScheduleID: 7,
			AgentID:    3,
			RunID:      11,
			Status:     model.RunStatusFailed,
			Error:      "execution timed out",
			Duration:   2 * time.Second,
			OccurredAt: time.Now().UTC(),
		}
		notifier.Notify(event)

		select {
		case got := <-received:
			assert.Equal(t, event.ID, got.ID)
			assert.Equal(t, model.RunEventFailed, got.Type)
			assert.Equal(t, int64(7), got.ScheduleID)
			assert.Equal(t, "execution timed out", got.Error)
			assert.Equal(t, 2*time.Second, got.Duration)
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	})

	t.Run("Duplicate events are dropped", func(t *testing.T) {
		before, err := js.StreamInfo(EventStreamName)
		require.NoError(t, err)

		event := model.RunEvent{ID: uuid.New().String(), Type: model.RunEventCompleted, ScheduleID: 9, OccurredAt: time.Now().UTC()}
		notifier.Notify(event)
		notifier.Notify(event)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, notifier.Flush(ctx))

		after, err := js.StreamInfo(EventStreamName)
		require.NoError(t, err)
		assert.Equal(t, before.State.Msgs+1, after.State.Msgs)
	})
}

// stalledJetStream blocks every async publish until release is closed
type stalledJetStream struct {
	nats.JetStreamContext
	release chan struct{}
}

func (s *stalledJetStream) PublishAsync(string, []byte, ...nats.PubOpt) (nats.PubAckFuture, error) {
	<-s.release
	return nil, errors.New("nats: stalled with too many outstanding async published messages")
}

func TestEventNotifier_NotifyNeverBlocks(t *testing.T) {
	js := &stalledJetStream{release: make(chan struct{})}
	notifier := newEventNotifier(js, 2, zap.NewNop())
	defer notifier.Stop()
	defer close(js.release)

	const events = 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < events; i++ {
			notifier.Notify(model.RunEvent{ID: uuid.New().String(), Type: model.RunEventStarted, ScheduleID: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked on a stalled publisher")
	}

	// at most one event is held by the publisher and two by the queue
	assert.GreaterOrEqual(t, notifier.Dropped(), int64(events-3))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, notifier.Flush(ctx), context.DeadlineExceeded)
}
