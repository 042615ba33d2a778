package service

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/storage"
)

// RetentionPruner deletes finished runs older than the retention window
type RetentionPruner struct {
	logger    *zap.Logger
	clock     clock.Clock
	ledger    storage.RunLedger
	retention time.Duration
	interval  time.Duration
}

// NewRetentionPruner creates a pruner. A zero retention disables pruning.
func NewRetentionPruner(ledger storage.RunLedger, retention, interval time.Duration, clk clock.Clock, logger *zap.Logger) *RetentionPruner {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionPruner{
		logger:    logger.Named("retention"),
		clock:     clk,
		ledger:    ledger,
		retention: retention,
		interval:  interval,
	}
}

// Run prunes once at start and then every interval until ctx is cancelled
func (p *RetentionPruner) Run(ctx context.Context) error {
	if p.retention <= 0 {
		return nil
	}

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Prune(ctx); err != nil {
			p.logger.Error("Failed to prune run history", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Prune deletes finished runs that started before now minus the retention window
func (p *RetentionPruner) Prune(ctx context.Context) (int64, error) {
	cutoff := p.clock.Now().Add(-p.retention)
	deleted, err := p.ledger.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		p.logger.Info("Pruned run history",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}
