package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

const (
	MetricsStreamName = "SCHEDULER_METRICS"
	MetricsSubject    = "metrics.scheduler"

	// window for success/failure counters
	statsWindow = 24 * time.Hour
)

// MetricsCollector periodically snapshots scheduler and host metrics and
// publishes them to JetStream
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	clock    clock.Clock
	store    storage.ScheduleStore
	ledger   storage.RunLedger
	interval time.Duration

	mu     sync.RWMutex
	latest *model.SchedulerStats
}

// NewMetricsCollector creates a new metrics collector and its stream
func NewMetricsCollector(
	js nats.JetStreamContext,
	store storage.ScheduleStore,
	ledger storage.RunLedger,
	interval time.Duration,
	clk clock.Clock,
	logger *zap.Logger,
) (*MetricsCollector, error) {
	c := &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		clock:    clk,
		store:    store,
		ledger:   ledger,
		interval: interval,
	}
	if err := c.setupStream(); err != nil {
		return nil, err
	}
	return c, nil
}

// Run collects metrics every interval until ctx is cancelled
func (c *MetricsCollector) Run(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return nil
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

func (c *MetricsCollector) setupStream() error {
	_, err := c.js.StreamInfo(MetricsStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     MetricsStreamName,
		Subjects: []string{MetricsSubject},
		Storage:  nats.FileStorage,
		MaxAge:   statsWindow,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", MetricsStreamName, err)
	}
	c.logger.Info("Created stream", zap.String("name", MetricsStreamName))
	return nil
}

// Collect takes a snapshot, stores it for Snapshot and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) (*model.SchedulerStats, error) {
	now := c.clock.Now()
	stats := &model.SchedulerStats{CollectedAt: now}

	counts, err := c.store.CountSchedules(ctx)
	if err != nil {
		return nil, err
	}
	stats.ActiveSchedules = counts[model.ScheduleStatusActive]
	stats.PausedSchedules = counts[model.ScheduleStatusPaused]

	if stats.RunsInFlight, err = c.ledger.CountRuns(ctx, storage.RunFilter{Status: model.RunStatusRunning}); err != nil {
		return nil, err
	}
	since := now.Add(-statsWindow)
	if stats.RunsSucceeded, err = c.ledger.CountRuns(ctx, storage.RunFilter{Status: model.RunStatusSuccess, Since: since}); err != nil {
		return nil, err
	}
	if stats.RunsFailed, err = c.ledger.CountRuns(ctx, storage.RunFilter{Status: model.RunStatusFailed, Since: since}); err != nil {
		return nil, err
	}

	// host metrics are best effort
	if cpuPercent, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
	}

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()

	data, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if _, err := c.js.Publish(MetricsSubject, data); err != nil {
		return stats, fmt.Errorf("failed to publish metrics: %w", err)
	}

	c.logger.Debug("Metrics collected",
		zap.Int("active_schedules", stats.ActiveSchedules),
		zap.Int("runs_in_flight", stats.RunsInFlight),
		zap.Int("runs_failed", stats.RunsFailed),
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))

	return stats, nil
}

// Snapshot returns the most recent stats, or nil before the first collection
func (c *MetricsCollector) Snapshot() *model.SchedulerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil
	}
	stats := *c.latest
	return &stats
}
