package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/agentpulse/errors"
)

// Store persists scheduled tasks
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewStore creates a task store for db speaking dialect
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Create validates params and inserts a task
func (s *Store) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if strings.TrimSpace(p.OwnerID) == "" {
		return nil, errors.Validationf("owner id cannot be empty")
	}
	cronExpr := strings.TrimSpace(p.Cron)
	if cronExpr == "" {
		return nil, errors.Validationf("cron cannot be empty")
	}

	now := s.now().UTC()
	t := &Task{
		ID:             uuid.NewString(),
		OwnerID:        p.OwnerID,
		Name:           p.Name,
		Prompt:         p.Prompt,
		Enabled:        !p.Disabled,
		Cron:           cronExpr,
		Timezone:       p.Timezone,
		ScheduleMode:   p.ScheduleMode,
		WorkspaceScope: p.WorkspaceScope,
		SessionID:      p.SessionID,
		ConfigSnapshot: p.ConfigSnapshot,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	if t.ScheduleMode == "" {
		t.ScheduleMode = DefaultScheduleMode
	}
	if t.WorkspaceScope == "" {
		t.WorkspaceScope = ScopeSession
	}
	if !t.WorkspaceScope.IsValid() {
		return nil, errors.Validationf("invalid workspace scope: %s", t.WorkspaceScope)
	}

	next, err := NextRun(cronExpr, t.Timezone, now)
	if err != nil {
		return nil, err
	}
	if p.NextRunAt != nil {
		next = p.NextRunAt.UTC()
	}
	t.NextRunAt = next

	snapshot, err := marshalSnapshot(t.ConfigSnapshot)
	if err != nil {
		return nil, err
	}

	query := s.dialect.Rebind(`
		INSERT INTO scheduled_tasks (
			id, owner_id, name, prompt, enabled, cron, timezone, schedule_mode,
			workspace_scope, session_id, config_snapshot, next_run_at,
			is_deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.OwnerID, t.Name, t.Prompt, t.Enabled, t.Cron, t.Timezone, t.ScheduleMode,
		string(t.WorkspaceScope), nullString(t.SessionID), snapshot, s.dialect.Time(t.NextRunAt),
		s.dialect.Time(t.CreatedAt), s.dialect.Time(t.UpdatedAt),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create task")
	}
	return t, nil
}

// Get returns a task by id, including soft-deleted ones
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	query := s.dialect.Rebind(`SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE id = ?`)
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get task %s", id)
	}
	return t, nil
}

// ListByOwner returns an owner's live tasks, newest first
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Task, error) {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	if offset < 0 {
		offset = 0
	}
	query := s.dialect.Rebind(`SELECT ` + taskColumns + ` FROM scheduled_tasks
		WHERE owner_id = ? AND is_deleted = FALSE
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tasks for owner %s", ownerID)
	}
	return scanTasks(rows)
}

// SetEnabled toggles whether a task is claimable
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := s.dialect.Rebind(`UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE id = ? AND is_deleted = FALSE`)
	return s.updateOne(ctx, s.db, id, query, enabled, s.dialect.Time(s.now()), id)
}

// SoftDelete marks a task deleted. The row and its runs are kept.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`UPDATE scheduled_tasks SET is_deleted = TRUE, updated_at = ? WHERE id = ?`)
	return s.updateOne(ctx, s.db, id, query, s.dialect.Time(s.now()), id)
}

// RecordRun stores the outcome of the latest run on the task
func (s *Store) RecordRun(ctx context.Context, taskID, runID, status, errMsg string) error {
	return s.recordRun(ctx, s.db, taskID, runID, status, errMsg)
}

func (s *Store) recordRun(ctx context.Context, ex execer, taskID, runID, status, errMsg string) error {
	query := s.dialect.Rebind(`UPDATE scheduled_tasks
		SET last_run_id = ?, last_run_status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`)
	return s.updateOne(ctx, ex, taskID, query,
		nullString(runID), nullString(status), nullString(errMsg), s.dialect.Time(s.now()), taskID)
}

func (s *Store) updateOne(ctx context.Context, ex execer, id, query string, args ...interface{}) error {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update task %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("task not found: %s", id)
	}
	return nil
}

func marshalSnapshot(snapshot map[string]interface{}) (sql.NullString, error) {
	if snapshot == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal config snapshot")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
