package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

const (
	EventStreamName    = "SCHEDULER_EVENTS"
	EventSubjectPrefix = "schedule."

	// DefaultEventQueueSize bounds events waiting to be handed to JetStream
	DefaultEventQueueSize = 1024

	eventStreamMaxAge = 24 * time.Hour
	eventDuplicates   = time.Hour
)

// queuedEvent is an event to publish, or a flush marker when flushed is set
type queuedEvent struct {
	event   model.RunEvent
	flushed chan struct{}
}

// EventNotifier publishes run events to JetStream for realtime observers.
// Events are queued and published by a single goroutine, so Notify never
// waits on the server.
type EventNotifier struct {
	js      nats.JetStreamContext
	logger  *zap.Logger
	queue   chan queuedEvent
	dropped atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEventNotifier creates a notifier, creating or updating the event stream.
// Stop must be called to release the publisher.
func NewEventNotifier(js nats.JetStreamContext, logger *zap.Logger) (*EventNotifier, error) {
	n := newEventNotifier(js, DefaultEventQueueSize, logger)
	if err := n.setupStream(); err != nil {
		n.Stop()
		return nil, err
	}
	return n, nil
}

func newEventNotifier(js nats.JetStreamContext, queueSize int, logger *zap.Logger) *EventNotifier {
	n := &EventNotifier{
		js:     js,
		logger: logger.Named("notifier"),
		queue:  make(chan queuedEvent, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.publishLoop()
	return n
}

func (n *EventNotifier) setupStream() error {
	config := &nats.StreamConfig{
		Name:       EventStreamName,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     eventStreamMaxAge,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: eventDuplicates,
	}

	_, err := n.js.StreamInfo(EventStreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if err != nil {
		if _, err := n.js.AddStream(config); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", EventStreamName, err)
		}
		n.logger.Info("Created stream", zap.String("name", EventStreamName))
		return nil
	}

	if _, err := n.js.UpdateStream(config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", EventStreamName, err)
	}
	n.logger.Info("Updated stream", zap.String("name", EventStreamName))
	return nil
}

// Subject returns the subject an event is published on
func Subject(event model.RunEvent) string {
	return string(event.Type)
}

// Notify queues the event for publishing. When the queue is full the event
// is dropped and logged.
func (n *EventNotifier) Notify(event model.RunEvent) {
	select {
	case n.queue <- queuedEvent{event: event}:
	default:
		n.dropped.Add(1)
		n.logger.Warn("Event queue full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Int64("schedule_id", event.ScheduleID))
	}
}

// Dropped returns how many events were dropped because the queue was full
func (n *EventNotifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *EventNotifier) publishLoop() {
	defer close(n.done)
	for {
		select {
		case <-n.stop:
			return
		case item := <-n.queue:
			if item.flushed != nil {
				close(item.flushed)
				continue
			}
			n.publish(item.event)
		}
	}
}

// publish hands the event to JetStream without waiting for the acknowledgement.
// Failures are logged and dropped.
func (n *EventNotifier) publish(event model.RunEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	future, err := n.js.PublishAsync(Subject(event), data, nats.MsgId(event.ID))
	if err != nil {
		n.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return
	}

	go func() {
		select {
		case <-future.Ok():
		case err := <-future.Err():
			n.logger.Warn("Event not acknowledged",
				zap.String("event_id", event.ID),
				zap.Int64("schedule_id", event.ScheduleID),
				zap.Error(err))
		}
	}()
}

// Flush waits until every event queued before the call has been published and
// acknowledged, or ctx is done
func (n *EventNotifier) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case n.queue <- queuedEvent{flushed: flushed}:
	case <-n.done:
		return errors.New("notifier stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-flushed:
	case <-n.done:
		return errors.New("notifier stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-n.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the publisher. Events still queued are dropped, so call Flush first.
func (n *EventNotifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.stop)
	})
	<-n.done
}

// SubscribeEvents delivers every run event to handler until ctx is cancelled
func (n *EventNotifier) SubscribeEvents(ctx context.Context, handler func(model.RunEvent)) error {
	sub, err := n.js.Subscribe(EventSubjectPrefix+">", func(msg *nats.Msg) {
		var event model.RunEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			n.logger.Error("Failed to unmarshal event", zap.Error(err))
			_ = msg.Term()
			return
		}

		handler(event)
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return nil
}
