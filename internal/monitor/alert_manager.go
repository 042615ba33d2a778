package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

const (
	AlertStreamName    = "SCHEDULER_ALERTS"
	AlertSubjectPrefix = "alert."

	DefaultEvaluationInterval = 30 * time.Second
)

// ErrRuleNotFound is returned for unknown alert rule ids
var ErrRuleNotFound = errors.New("alert rule not found")

// AlertManager raises alerts for failed runs and runs stuck in running
type AlertManager struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	clock    clock.Clock
	ledger   storage.RunLedger
	interval time.Duration

	rules sync.Map // rule id -> *model.AlertRule
	open  sync.Map // rule id + run id -> *model.Alert, unresolved stuck alerts
	sub   *nats.Subscription
}

// NewAlertManager creates a new alert manager and its stream
func NewAlertManager(js nats.JetStreamContext, ledger storage.RunLedger, interval time.Duration, clk clock.Clock, logger *zap.Logger) (*AlertManager, error) {
	if interval <= 0 {
		interval = DefaultEvaluationInterval
	}
	m := &AlertManager{
		logger:   logger.Named("alert-manager"),
		js:       js,
		clock:    clk,
		ledger:   ledger,
		interval: interval,
	}

	_, err := js.StreamInfo(AlertStreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}
	if err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     AlertStreamName,
			Subjects: []string{AlertSubjectPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}
	return m, nil
}

// Start subscribes to failed run events. The events stream must already exist.
func (m *AlertManager) Start() error {
	sub, err := m.js.Subscribe(string(model.RunEventFailed), m.handleRunFailed, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to run events: %w", err)
	}
	m.sub = sub

	m.logger.Info("Alert manager started")
	return nil
}

// Run evaluates stuck-run rules every interval until ctx is cancelled
func (m *AlertManager) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.EvaluateStuckRuns(ctx)
		}
	}
}

// Stop unsubscribes from run events
func (m *AlertManager) Stop() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return value.(*model.AlertRule), nil
}

// ListRules returns all rules ordered by name
func (m *AlertManager) ListRules() []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(_, value interface{}) bool {
		rules = append(rules, value.(*model.AlertRule))
		return true
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.Type == model.AlertTypeRunStuck && rule.Duration <= 0 {
		return fmt.Errorf("rule %q: stuck run rules need a positive duration", rule.Name)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = m.clock.Now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.UpdatedAt = m.clock.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// createAlert publishes a new alert on alert.<type>
func (m *AlertManager) createAlert(rule *model.AlertRule, message string, data map[string]interface{}) (*model.Alert, error) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: m.clock.Now(),
	}

	alertData, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := m.js.Publish(AlertSubjectPrefix+string(alert.Type), alertData); err != nil {
		return nil, fmt.Errorf("failed to publish alert: %w", err)
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	return alert, nil
}

// handleRunFailed raises a run_failure alert per active rule
func (m *AlertManager) handleRunFailed(msg *nats.Msg) {
	var event model.RunEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		m.logger.Error("Failed to unmarshal run event", zap.Error(err))
		return
	}

	for _, rule := range m.activeRules(model.AlertTypeRunFailure) {
		_, err := m.createAlert(rule,
			fmt.Sprintf("Run %d of schedule %d failed: %s", event.RunID, event.ScheduleID, event.Error),
			map[string]interface{}{
				"schedule_id": event.ScheduleID,
				"agent_id":    event.AgentID,
				"run_id":      event.RunID,
				"error":       event.Error,
			})
		if err != nil {
			m.logger.Error("Failed to create alert", zap.String("rule_id", rule.ID), zap.Error(err))
		}
	}
}

// EvaluateStuckRuns raises one alert per run that has been running longer than a
// rule's duration, and resolves alerts whose run has since finished.
func (m *AlertManager) EvaluateStuckRuns(ctx context.Context) {
	now := m.clock.Now()

	for _, rule := range m.activeRules(model.AlertTypeRunStuck) {
		runs, err := m.ledger.ListRunning(ctx, now.Add(-rule.Duration))
		if err != nil {
			m.logger.Error("Failed to list running runs", zap.Error(err))
			return
		}

		stuck := make(map[string]bool, len(runs))
		for _, run := range runs {
			key := fmt.Sprintf("%s/%d", rule.ID, run.ID)
			stuck[key] = true
			if _, ok := m.open.Load(key); ok {
				continue
			}

			alert, err := m.createAlert(rule,
				fmt.Sprintf("Run %d of schedule %d has been running for %s", run.ID, run.ScheduleID, now.Sub(run.StartTime).Round(time.Second)),
				map[string]interface{}{
					"schedule_id": run.ScheduleID,
					"run_id":      run.ID,
					"started_at":  run.StartTime,
				})
			if err != nil {
				m.logger.Error("Failed to create alert", zap.String("rule_id", rule.ID), zap.Error(err))
				continue
			}
			m.open.Store(key, alert)
		}

		m.open.Range(func(key, value interface{}) bool {
			alert := value.(*model.Alert)
			if alert.RuleID == rule.ID && !stuck[key.(string)] {
				resolved := now
				alert.ResolvedAt = &resolved
				m.open.Delete(key)
				m.logger.Info("Alert resolved", zap.String("id", alert.ID))
			}
			return true
		})
	}
}

// OpenAlerts returns unresolved stuck-run alerts
func (m *AlertManager) OpenAlerts() []*model.Alert {
	var alerts []*model.Alert
	m.open.Range(func(_, value interface{}) bool {
		alerts = append(alerts, value.(*model.Alert))
		return true
	})
	return alerts
}

func (m *AlertManager) activeRules(alertType model.AlertType) []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == alertType && !rule.Silenced {
			rules = append(rules, rule)
		}
		return true
	})
	return rules
}
