package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// RunFilter narrows CountRuns. Zero values match everything.
type RunFilter struct {
	ScheduleID int64
	Status     model.RunStatus
	Since      time.Time
}

// RunLedger owns ScheduleRun records
type RunLedger interface {
	// CreateRun inserts a run and assigns its ID
	CreateRun(ctx context.Context, run *model.ScheduleRun) error

	// FinishRun moves a running run to its terminal status. It returns ErrNotFound if
	// the run was deleted with its schedule and ErrRunFinished if it is already terminal.
	FinishRun(ctx context.Context, run *model.ScheduleRun) error

	// GetRun returns ErrNotFound if the run does not exist
	GetRun(ctx context.Context, id int64) (*model.ScheduleRun, error)

	// ListRuns returns the runs of a schedule, newest first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, scheduleID int64, limit int) ([]*model.ScheduleRun, error)

	// ListRunning returns runs still running that started before the given time
	ListRunning(ctx context.Context, startedBefore time.Time) ([]*model.ScheduleRun, error)

	// CountRuns returns the number of runs matching the filter
	CountRuns(ctx context.Context, filter RunFilter) (int, error)

	// FailStaleRuns fails runs still running that started before the given time,
	// recording reason as their error, and returns them
	FailStaleRuns(ctx context.Context, startedBefore, endTime time.Time, reason string) ([]*model.ScheduleRun, error)

	// DeleteBefore deletes terminal runs that started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

const runColumns = "id, schedule_id, status, start_time, end_time, error, metadata, created_at"

func scanRun(row rowScanner) (*model.ScheduleRun, error) {
	var (
		run                  model.ScheduleRun
		startTime, createdAt int64
		endTime              sql.NullInt64
		errorStr, metadata   sql.NullString
	)
	err := row.Scan(
		&run.ID,
		&run.ScheduleID,
		&run.Status,
		&startTime,
		&endTime,
		&errorStr,
		&metadata,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	run.StartTime = fromNanos(startTime)
	run.EndTime = ptrFromNull(endTime)
	run.DurationMs = run.Duration().Milliseconds()
	run.CreatedAt = fromNanos(createdAt)
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	if metadata.Valid && metadata.String != "" {
		run.Metadata = json.RawMessage(metadata.String)
	}

	return &run, nil
}

// CreateRun implements RunLedger.CreateRun
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.ScheduleRun) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (
			schedule_id, status, start_time, created_at
		) VALUES (?, ?, ?, ?)`,
		run.ScheduleID,
		run.Status,
		toNanos(run.StartTime),
		toNanos(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store schedule run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read run id: %w", err)
	}
	run.ID = id
	return nil
}

// FinishRun implements RunLedger.FinishRun
func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.ScheduleRun) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("run %d: %q is not a terminal status", run.ID, run.Status)
	}

	var metadataStr string
	if len(run.Metadata) > 0 {
		metadataStr = string(run.Metadata)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedule_runs SET
			status = ?,
			end_time = ?,
			error = ?,
			metadata = ?
		WHERE id = ? AND status = ?`,
		run.Status,
		nullNanos(run.EndTime),
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		sql.NullString{String: metadataStr, Valid: len(metadataStr) > 0},
		run.ID,
		model.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := s.GetRun(ctx, run.ID); err != nil {
		return err
	}
	return fmt.Errorf("run %d: %w", run.ID, ErrRunFinished)
}

// GetRun implements RunLedger.GetRun
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*model.ScheduleRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM schedule_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan schedule run: %w", err)
	}
	return run, nil
}

// ListRuns implements RunLedger.ListRuns
func (s *SQLiteStore) ListRuns(ctx context.Context, scheduleID int64, limit int) ([]*model.ScheduleRun, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRuns(ctx, "SELECT "+runColumns+` FROM schedule_runs
		WHERE schedule_id = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ?`, scheduleID, limit)
}

// ListRunning implements RunLedger.ListRunning
func (s *SQLiteStore) ListRunning(ctx context.Context, startedBefore time.Time) ([]*model.ScheduleRun, error) {
	return s.queryRuns(ctx, "SELECT "+runColumns+` FROM schedule_runs
		WHERE status = ? AND start_time < ?
		ORDER BY start_time`, model.RunStatusRunning, toNanos(startedBefore))
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*model.ScheduleRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.ScheduleRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return runs, nil
}

// CountRuns implements RunLedger.CountRuns
func (s *SQLiteStore) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	query := "SELECT COUNT(*) FROM schedule_runs WHERE 1 = 1"
	args := make([]interface{}, 0, 3)

	if filter.ScheduleID != 0 {
		query += " AND schedule_id = ?"
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, toNanos(filter.Since))
	}

	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count schedule runs: %w", err)
	}
	return count, nil
}

// FailStaleRuns implements RunLedger.FailStaleRuns
func (s *SQLiteStore) FailStaleRuns(ctx context.Context, startedBefore, endTime time.Time, reason string) ([]*model.ScheduleRun, error) {
	runs, err := s.queryRuns(ctx, `
		UPDATE schedule_runs SET
			status = ?,
			end_time = ?,
			error = ?
		WHERE status = ? AND start_time < ?
		RETURNING `+runColumns,
		model.RunStatusFailed,
		toNanos(endTime),
		reason,
		model.RunStatusRunning,
		toNanos(startedBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale runs: %w", err)
	}
	return runs, nil
}

// DeleteBefore implements RunLedger.DeleteBefore
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM schedule_runs WHERE start_time < ? AND status != ?",
		toNanos(before), model.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to delete schedule runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old schedule runs",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
