package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/agent-scheduler/internal/api"
	"github.com/t77yq/agent-scheduler/internal/config"
	"github.com/t77yq/agent-scheduler/internal/executor"
	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/monitor"
	"github.com/t77yq/agent-scheduler/internal/scheduler"
	"github.com/t77yq/agent-scheduler/internal/service"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

const (
	shutdownTimeout = 30 * time.Second

	// maxPendingPublishes bounds unacknowledged async event publishes
	maxPendingPublishes = 256
)

func main() {
	configDir := flag.String("config", "./config", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir, ".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("Server shut down gracefully")
	_ = logger.Sync()
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	clk := clock.New()

	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	nc, err := connectNATS(cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(maxPendingPublishes))
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	notifier, err := service.NewEventNotifier(js, logger)
	if err != nil {
		return err
	}
	defer notifier.Stop()

	platform, err := executor.NewPlatformClient(executor.PlatformConfig{
		BaseURL:        cfg.Platform.BaseURL,
		RequestTimeout: cfg.Platform.RequestTimeout,
		MaxAttempts:    cfg.Platform.MaxAttempts,
		Clock:          clk,
	}, logger)
	if err != nil {
		return err
	}
	agents := executor.NewAgentDirectory(platform, cfg.Agents.CacheTTL, logger)
	agents.Start()
	defer agents.Stop()

	var agentExecutor scheduler.Executor
	switch cfg.Executor.Type {
	case config.ExecutorNATS:
		agentExecutor = executor.NewNATSExecutor(nc, logger)
	default:
		agentExecutor = executor.NewHTTPExecutor(platform, logger)
	}

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		ExecutionTimeout: cfg.Executor.Timeout,
	}, store, store, agentExecutor, notifier, clk, logger)

	loop, err := scheduler.NewTriggerLoop(scheduler.TriggerLoopConfig{
		TickInterval:      cfg.Scheduler.TickInterval,
		BatchSize:         cfg.Scheduler.BatchSize,
		MaxConcurrentRuns: cfg.Scheduler.MaxConcurrentRuns,
	}, store, dispatcher, clk, logger)
	if err != nil {
		return err
	}

	control := service.NewControlService(service.ControlConfig{
		RunSummaryLimit: cfg.API.RunSummaryLimit,
	}, store, store, agents, notifier, clk, logger)

	metrics, err := monitor.NewMetricsCollector(js, store, store, cfg.Monitor.Interval, clk, logger)
	if err != nil {
		return err
	}

	alerts, err := monitor.NewAlertManager(js, store, cfg.Monitor.Interval, clk, logger)
	if err != nil {
		return err
	}
	for _, rule := range defaultAlertRules(cfg.Monitor.StuckAfter) {
		if err := alerts.AddRule(rule); err != nil {
			return err
		}
	}
	if err := alerts.Start(); err != nil {
		return err
	}
	defer alerts.Stop()

	pruner := service.NewRetentionPruner(store, cfg.Ledger.Retention, cfg.Ledger.PruneInterval, clk, logger)

	server := api.NewServer(api.Config{
		Addr:           cfg.API.Addr,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, control, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return metrics.Run(gctx) })
	g.Go(func() error { return alerts.Run(gctx) })
	g.Go(func() error { return pruner.Run(gctx) })
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	// the trigger loop has stopped, so no new executions can start
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	errs := []error{runErr}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if err := notifier.Flush(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	return errors.Join(errs...)
}

// connectNATS retries the initial connection with exponential backoff
func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	retry := backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		var nc *nats.Conn
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		if i == attempts-1 {
			break
		}
		wait := retry.Duration()
		logger.Warn("Failed to connect to NATS, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		time.Sleep(wait)
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
}

func defaultAlertRules(stuckAfter time.Duration) []*model.AlertRule {
	rules := []*model.AlertRule{{
		Name:     "Run failed",
		Type:     model.AlertTypeRunFailure,
		Severity: model.AlertSeverityError,
	}}
	if stuckAfter > 0 {
		rules = append(rules, &model.AlertRule{
			Name:     "Run stuck",
			Type:     model.AlertTypeRunStuck,
			Duration: stuckAfter,
			Severity: model.AlertSeverityWarning,
		})
	}
	return rules
}
