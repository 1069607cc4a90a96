package run

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/pulse/task"
)

// Execer runs statements on a database or inside a claim transaction
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store persists runs in scheduled_task_runs
type Store struct {
	db      *sql.DB
	dialect task.Dialect
	now     func() time.Time
}

// NewStore creates a run store
func NewStore(db *sql.DB, dialect task.Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// Create inserts a queued run for taskID. Pass the claim transaction as ex so the
// run commits together with the claim; nil uses the store's database.
func (s *Store) Create(ctx context.Context, ex Execer, taskID string) (*Run, error) {
	if ex == nil {
		ex = s.db
	}
	now := s.now().UTC()
	r := &Run{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := s.dialect.Rebind(`INSERT INTO scheduled_task_runs
		(id, task_id, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`)
	if _, err := ex.ExecContext(ctx, query, r.ID, r.TaskID, string(r.Status),
		s.dialect.Time(now), s.dialect.Time(now)); err != nil {
		return nil, errors.Wrapf(err, "failed to create run for task %s", taskID)
	}
	return r, nil
}

// Get returns a run by id
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	query := s.dialect.Rebind(`SELECT id, task_id, status, progress, error, session_id,
		created_at, started_at, finished_at, updated_at
		FROM scheduled_task_runs WHERE id = ?`)
	r, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return r, nil
}

// ListByTask returns a task's runs, newest first
func (s *Store) ListByTask(ctx context.Context, taskID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := s.dialect.Rebind(`SELECT id, task_id, status, progress, error, session_id,
		created_at, started_at, finished_at, updated_at
		FROM scheduled_task_runs WHERE task_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list runs for task %s", taskID)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Start moves a queued run to running
func (s *Store) Start(ctx context.Context, id string) error {
	now := s.dialect.Time(s.now())
	return s.transition(ctx, id, StatusRunning,
		"started_at = ?, updated_at = ?", now, now)
}

// Progress records progress on a running run, capped below 100 until it succeeds
func (s *Store) Progress(ctx context.Context, id string, progress int) error {
	return s.update(ctx, id, []Status{StatusRunning}, StatusRunning,
		"progress = ?, updated_at = ?", clampProgress(progress), s.dialect.Time(s.now()))
}

// Succeed completes a running run at 100%
func (s *Store) Succeed(ctx context.Context, id, sessionID string) error {
	now := s.dialect.Time(s.now())
	return s.transition(ctx, id, StatusSuccess,
		"progress = 100, session_id = ?, finished_at = ?, updated_at = ?",
		sql.NullString{String: sessionID, Valid: sessionID != ""}, now, now)
}

// Fail marks a queued or running run failed with cause
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := s.dialect.Time(s.now())
	return s.transition(ctx, id, StatusFailed,
		"error = ?, finished_at = ?, updated_at = ?", msg, now, now)
}

func (s *Store) transition(ctx context.Context, id string, to Status, set string, args ...interface{}) error {
	return s.update(ctx, id, sourcesOf(to), to, set, args...)
}

// update applies set only when the run is in one of from; otherwise the
// transition is rejected without touching the row
func (s *Store) update(ctx context.Context, id string, from []Status, to Status, set string, args ...interface{}) error {
	placeholders := make([]string, len(from))
	all := append([]interface{}{string(to)}, args...)
	all = append(all, id)
	for i, st := range from {
		placeholders[i] = "?"
		all = append(all, string(st))
	}

	query := s.dialect.Rebind(`UPDATE scheduled_task_runs SET status = ?, ` + set +
		` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`)
	res, err := s.db.ExecContext(ctx, query, all...)
	if err != nil {
		return errors.Wrapf(err, "failed to update run %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.NewInvalidRequestError("run %s: illegal transition %s -> %s", id, current.Status, to)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                     Run
		status                string
		errMsg, sessionID     sql.NullString
		createdAt, updatedAt  task.NullTime
		startedAt, finishedAt task.NullTime
	)
	if err := row.Scan(&r.ID, &r.TaskID, &status, &r.Progress, &errMsg, &sessionID,
		&createdAt, &startedAt, &finishedAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Error = errMsg.String
	r.SessionID = sessionID.String
	r.CreatedAt = createdAt.Time
	r.UpdatedAt = updatedAt.Time
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}
