package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

var (
	// ErrNotFound is returned when a schedule or run does not exist
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned when a status transition does not apply to the current status
	ErrStatusConflict = errors.New("invalid status transition")

	// ErrRunFinished is returned when a terminal run is updated again
	ErrRunFinished = errors.New("run already finished")
)

// ScheduleFilter narrows ListSchedules. Zero values match everything.
type ScheduleFilter struct {
	Status  model.ScheduleStatus
	AgentID int64
}

// ScheduleStore owns Schedule records and their status transitions
type ScheduleStore interface {
	// CreateSchedule inserts a schedule and assigns its ID
	CreateSchedule(ctx context.Context, schedule *model.Schedule) error

	// GetSchedule returns ErrNotFound if the schedule does not exist
	GetSchedule(ctx context.Context, id int64) (*model.Schedule, error)

	// ListSchedules returns schedules ordered by ID
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*model.Schedule, error)

	// ListDue returns active schedules with next_run <= now, earliest first
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Schedule, error)

	// Claim atomically moves next_run from firedAt to next. A nil next completes the
	// schedule. It returns false if another claimant got there first.
	Claim(ctx context.Context, id int64, firedAt time.Time, next *time.Time, now time.Time) (bool, error)

	// PauseSchedule moves an active schedule to paused, leaving next_run untouched
	PauseSchedule(ctx context.Context, id int64, now time.Time) error

	// ResumeSchedule moves a paused schedule to active with a fresh next_run.
	// A nil next completes the schedule instead.
	ResumeSchedule(ctx context.Context, id int64, next *time.Time, now time.Time) error

	// SetLastRun records a run start time, never moving last_run backwards
	SetLastRun(ctx context.Context, id int64, lastRun time.Time, now time.Time) error

	// DeleteSchedule removes a schedule together with its runs
	DeleteSchedule(ctx context.Context, id int64) error

	// CountSchedules returns the number of schedules per status
	CountSchedules(ctx context.Context) (map[model.ScheduleStatus]int, error)
}

// SQLiteStore implements ScheduleStore and RunLedger on a single SQLite database
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection keeps claim updates ordered
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			interval_minutes INTEGER,
			cron_expression TEXT,
			timezone TEXT NOT NULL,
			fixed_time INTEGER,
			input TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_run INTEGER,
			next_run INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run);
		CREATE INDEX IF NOT EXISTS idx_schedules_agent_id ON schedules(agent_id);

		CREATE TABLE IF NOT EXISTS schedule_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id INTEGER NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			error TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule_id ON schedule_runs(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_schedule_runs_status ON schedule_runs(status);
		CREATE INDEX IF NOT EXISTS idx_schedule_runs_start_time ON schedule_runs(start_time);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Instants are stored as UTC unix nanoseconds so equality and ordering are exact.

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func ptrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
