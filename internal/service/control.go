package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/recurrence"
	"github.com/t77yq/agent-scheduler/internal/scheduler"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

// DefaultRunSummaryLimit is how many recent runs are nested in a schedule listing
const DefaultRunSummaryLimit = 5

// local layouts accepted for fixedTime when no offset is given
var localTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// AgentDirectory resolves agent ids owned by the agent platform
type AgentDirectory interface {
	// GetAgent returns scheduler.ErrAgentNotFound for unknown ids
	GetAgent(ctx context.Context, id int64) (*model.Agent, error)
}

// CreateScheduleRequest is the body of a create call
type CreateScheduleRequest struct {
	AgentID        int64                  `json:"agentId"`
	Type           model.ScheduleType     `json:"type"`
	Interval       *int                   `json:"interval,omitempty"`
	CronExpression *string                `json:"cronExpression,omitempty"`
	Timezone       string                 `json:"timezone,omitempty"`
	FixedTime      *string                `json:"fixedTime,omitempty"`
	Metadata       model.ScheduleMetadata `json:"metadata"`
}

// ScheduleDetail is a schedule with its agent and most recent runs resolved
type ScheduleDetail struct {
	*model.Schedule
	Agent *model.Agent         `json:"agent,omitempty"`
	Runs  []*model.ScheduleRun `json:"runs"`
}

// ControlConfig configures a ControlService
type ControlConfig struct {
	RunSummaryLimit int
}

// ControlService implements the user-facing schedule operations
type ControlService struct {
	logger   *zap.Logger
	clock    clock.Clock
	store    storage.ScheduleStore
	ledger   storage.RunLedger
	agents   AgentDirectory
	notifier scheduler.Notifier
	config   ControlConfig
}

// NewControlService creates a new control service. notifier may be nil.
func NewControlService(
	config ControlConfig,
	store storage.ScheduleStore,
	ledger storage.RunLedger,
	agents AgentDirectory,
	notifier scheduler.Notifier,
	clk clock.Clock,
	logger *zap.Logger,
) *ControlService {
	if config.RunSummaryLimit <= 0 {
		config.RunSummaryLimit = DefaultRunSummaryLimit
	}
	return &ControlService{
		logger:   logger.Named("control"),
		clock:    clk,
		store:    store,
		ledger:   ledger,
		agents:   agents,
		notifier: notifier,
		config:   config,
	}
}

// CreateSchedule validates the request, computes the first nextRun and stores an active schedule
func (s *ControlService) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*model.Schedule, error) {
	now := s.clock.Now()

	rule, err := s.buildRule(req)
	if err != nil {
		return nil, err
	}
	if err := recurrence.Validate(rule, now); err != nil {
		return nil, toValidationError(err)
	}

	if req.AgentID <= 0 {
		return nil, scheduler.NewValidationError("agentId", "required")
	}
	if _, err := s.agents.GetAgent(ctx, req.AgentID); err != nil {
		if errors.Is(err, scheduler.ErrAgentNotFound) {
			return nil, scheduler.NewValidationError("agentId", "agent %d does not exist", req.AgentID)
		}
		return nil, fmt.Errorf("failed to look up agent %d: %w", req.AgentID, err)
	}

	schedule := &model.Schedule{
		AgentID:   req.AgentID,
		Rule:      rule,
		Metadata:  req.Metadata,
		Status:    model.ScheduleStatusActive,
		NextRun:   recurrence.Next(rule, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.Int64("schedule_id", schedule.ID),
		zap.Int64("agent_id", schedule.AgentID),
		zap.String("type", string(schedule.Type)),
	}
	if schedule.NextRun != nil {
		fields = append(fields, zap.Time("next_run", *schedule.NextRun))
	}
	s.logger.Info("Created schedule", fields...)

	return schedule, nil
}

// buildRule normalizes the timezone and parses fixedTime in it
func (s *ControlService) buildRule(req CreateScheduleRequest) (model.Rule, error) {
	rule := model.Rule{
		Type:           model.ScheduleType(strings.ToUpper(string(req.Type))),
		Interval:       req.Interval,
		CronExpression: req.CronExpression,
		Timezone:       strings.TrimSpace(req.Timezone),
	}
	if rule.Timezone == "" {
		rule.Timezone = model.DefaultTimezone
	}
	if rule.CronExpression != nil {
		expr := strings.TrimSpace(*rule.CronExpression)
		rule.CronExpression = &expr
	}

	if req.FixedTime != nil {
		loc, err := rule.Location()
		if err != nil {
			return rule, scheduler.NewValidationError("timezone", "unknown timezone %q", rule.Timezone)
		}
		fixed, err := parseFixedTime(*req.FixedTime, loc)
		if err != nil {
			return rule, scheduler.NewValidationError("fixedTime", "%v", err)
		}
		rule.FixedTime = &fixed
	}

	return rule, nil
}

// parseFixedTime accepts RFC3339 or a wall-clock time in loc
func parseFixedTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor a local date-time", value)
}

// GetSchedule returns a schedule with its agent and recent runs
func (s *ControlService) GetSchedule(ctx context.Context, id int64) (*ScheduleDetail, error) {
	schedule, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, schedule)
}

// ListSchedules returns every schedule matching filter with agents and recent runs nested
func (s *ControlService) ListSchedules(ctx context.Context, filter storage.ScheduleFilter) ([]*ScheduleDetail, error) {
	schedules, err := s.store.ListSchedules(ctx, filter)
	if err != nil {
		return nil, err
	}

	details := make([]*ScheduleDetail, 0, len(schedules))
	for _, schedule := range schedules {
		detail, err := s.detail(ctx, schedule)
		if err != nil {
			return nil, err
		}
		details = append(details, detail)
	}
	return details, nil
}

func (s *ControlService) detail(ctx context.Context, schedule *model.Schedule) (*ScheduleDetail, error) {
	runs, err := s.ledger.ListRuns(ctx, schedule.ID, s.config.RunSummaryLimit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*model.ScheduleRun{}
	}

	detail := &ScheduleDetail{Schedule: schedule, Runs: runs}

	// the agent platform being down must not hide schedules
	agent, err := s.agents.GetAgent(ctx, schedule.AgentID)
	if err != nil {
		s.logger.Warn("Failed to resolve agent",
			zap.Int64("schedule_id", schedule.ID),
			zap.Int64("agent_id", schedule.AgentID),
			zap.Error(err))
	} else {
		detail.Agent = agent
	}
	return detail, nil
}

// PauseSchedule stops an active schedule from being claimed. In-flight runs continue.
func (s *ControlService) PauseSchedule(ctx context.Context, id int64) (*model.Schedule, error) {
	if err := s.store.PauseSchedule(ctx, id, s.clock.Now()); err != nil {
		return nil, err
	}
	s.logger.Info("Paused schedule", zap.Int64("schedule_id", id))
	return s.store.GetSchedule(ctx, id)
}

// ResumeSchedule reactivates a paused schedule with nextRun recomputed from now.
// A FIXED schedule whose time has passed while paused completes instead.
func (s *ControlService) ResumeSchedule(ctx context.Context, id int64) (*model.Schedule, error) {
	schedule, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule.Status != model.ScheduleStatusPaused {
		return nil, fmt.Errorf("schedule %d is %s: %w", id, schedule.Status, scheduler.ErrInvalidTransition)
	}

	now := s.clock.Now()
	next := recurrence.Next(schedule.Rule, now)
	if err := s.store.ResumeSchedule(ctx, id, next, now); err != nil {
		return nil, err
	}

	if next == nil {
		s.logger.Info("Completed schedule on resume", zap.Int64("schedule_id", id))
		s.notify(model.RunEvent{
			ID:         uuid.New().String(),
			Type:       model.RunEventCompleted,
			ScheduleID: id,
			AgentID:    schedule.AgentID,
			OccurredAt: now,
		})
	} else {
		s.logger.Info("Resumed schedule",
			zap.Int64("schedule_id", id),
			zap.Time("next_run", *next))
	}
	return s.store.GetSchedule(ctx, id)
}

// DeleteSchedule removes a schedule and all of its runs. A run still executing
// completes, but its outcome is discarded.
func (s *ControlService) DeleteSchedule(ctx context.Context, id int64) error {
	return s.store.DeleteSchedule(ctx, id)
}

// ListRuns returns the run history of a schedule, newest first
func (s *ControlService) ListRuns(ctx context.Context, id int64) ([]*model.ScheduleRun, error) {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return nil, err
	}
	runs, err := s.ledger.ListRuns(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*model.ScheduleRun{}
	}
	return runs, nil
}

func (s *ControlService) notify(event model.RunEvent) {
	if s.notifier != nil {
		s.notifier.Notify(event)
	}
}

func toValidationError(err error) error {
	var ruleErr *recurrence.RuleError
	if errors.As(err, &ruleErr) {
		return &scheduler.ValidationError{Field: ruleErr.Field, Reason: ruleErr.Reason}
	}
	return scheduler.NewValidationError("", "%v", err)
}
