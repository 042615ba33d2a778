package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

const scheduleColumns = `id, agent_id, type, interval_minutes, cron_expression, timezone, fixed_time,
	input, status, last_run, next_run, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var (
		s                    model.Schedule
		interval             sql.NullInt64
		cronExpr             sql.NullString
		fixedTime            sql.NullInt64
		lastRun, nextRun     sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&s.ID,
		&s.AgentID,
		&s.Type,
		&interval,
		&cronExpr,
		&s.Timezone,
		&fixedTime,
		&s.Metadata.Input,
		&s.Status,
		&lastRun,
		&nextRun,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if interval.Valid {
		v := int(interval.Int64)
		s.Interval = &v
	}
	if cronExpr.Valid {
		s.CronExpression = &cronExpr.String
	}
	s.FixedTime = ptrFromNull(fixedTime)
	s.LastRun = ptrFromNull(lastRun)
	s.NextRun = ptrFromNull(nextRun)
	s.CreatedAt = fromNanos(createdAt)
	s.UpdatedAt = fromNanos(updatedAt)

	return &s, nil
}

// CreateSchedule implements ScheduleStore.CreateSchedule
func (s *SQLiteStore) CreateSchedule(ctx context.Context, schedule *model.Schedule) error {
	var interval sql.NullInt64
	if schedule.Interval != nil {
		interval = sql.NullInt64{Int64: int64(*schedule.Interval), Valid: true}
	}
	var cronExpr sql.NullString
	if schedule.CronExpression != nil {
		cronExpr = sql.NullString{String: *schedule.CronExpression, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			agent_id, type, interval_minutes, cron_expression, timezone, fixed_time,
			input, status, last_run, next_run, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.AgentID,
		schedule.Type,
		interval,
		cronExpr,
		schedule.Timezone,
		nullNanos(schedule.FixedTime),
		schedule.Metadata.Input,
		schedule.Status,
		nullNanos(schedule.LastRun),
		nullNanos(schedule.NextRun),
		toNanos(schedule.CreatedAt),
		toNanos(schedule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store schedule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read schedule id: %w", err)
	}
	schedule.ID = id
	return nil
}

// GetSchedule implements ScheduleStore.GetSchedule
func (s *SQLiteStore) GetSchedule(ctx context.Context, id int64) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE id = ?", id)
	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	return schedule, nil
}

// ListSchedules implements ScheduleStore.ListSchedules
func (s *SQLiteStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*model.Schedule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE 1 = 1"
	args := make([]interface{}, 0, 2)

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.AgentID != 0 {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	query += " ORDER BY id"

	return s.querySchedules(ctx, query, args...)
}

// ListDue implements ScheduleStore.ListDue
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Schedule, error) {
	return s.querySchedules(ctx, "SELECT "+scheduleColumns+` FROM schedules
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run, id
		LIMIT ?`,
		model.ScheduleStatusActive, toNanos(now), limit)
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...interface{}) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return schedules, nil
}

// Claim implements ScheduleStore.Claim
func (s *SQLiteStore) Claim(ctx context.Context, id int64, firedAt time.Time, next *time.Time, now time.Time) (bool, error) {
	status := model.ScheduleStatusActive
	if next == nil {
		status = model.ScheduleStatusCompleted
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			next_run = ?,
			status = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND next_run = ?`,
		nullNanos(next),
		status,
		toNanos(now),
		id,
		model.ScheduleStatusActive,
		toNanos(firedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// PauseSchedule implements ScheduleStore.PauseSchedule
func (s *SQLiteStore) PauseSchedule(ctx context.Context, id int64, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		model.ScheduleStatusPaused, toNanos(now), id, model.ScheduleStatusActive)
	if err != nil {
		return fmt.Errorf("failed to pause schedule: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// ResumeSchedule implements ScheduleStore.ResumeSchedule
func (s *SQLiteStore) ResumeSchedule(ctx context.Context, id int64, next *time.Time, now time.Time) error {
	status := model.ScheduleStatusActive
	if next == nil {
		status = model.ScheduleStatusCompleted
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, next_run = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, nullNanos(next), toNanos(now), id, model.ScheduleStatusPaused)
	if err != nil {
		return fmt.Errorf("failed to resume schedule: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// checkTransition tells a missing schedule apart from one in the wrong status
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	current, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("schedule %d is %s: %w", id, current.Status, ErrStatusConflict)
}

// SetLastRun implements ScheduleStore.SetLastRun
func (s *SQLiteStore) SetLastRun(ctx context.Context, id int64, lastRun time.Time, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			last_run = MAX(COALESCE(last_run, 0), ?),
			updated_at = ?
		WHERE id = ?`,
		toNanos(lastRun), toNanos(now), id)
	if err != nil {
		return fmt.Errorf("failed to update last run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSchedule implements ScheduleStore.DeleteSchedule
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	runs, err := tx.ExecContext(ctx, "DELETE FROM schedule_runs WHERE schedule_id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule runs: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	deletedRuns, _ := runs.RowsAffected()
	s.logger.Info("Deleted schedule",
		zap.Int64("schedule_id", id),
		zap.Int64("deleted_runs", deletedRuns))
	return nil
}

// CountSchedules implements ScheduleStore.CountSchedules
func (s *SQLiteStore) CountSchedules(ctx context.Context) (map[model.ScheduleStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM schedules GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count schedules: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.ScheduleStatus]int)
	for rows.Next() {
		var status model.ScheduleStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan schedule count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
