package task

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/agentpulse/errors"
)

const taskColumns = `id, owner_id, name, prompt, enabled, cron, timezone, schedule_mode,
	workspace_scope, session_id, config_snapshot, next_run_at, last_run_id,
	last_run_status, last_error, is_deleted, created_at, updated_at`

// NullTime scans TEXT (SQLite) and timestamp (Postgres) columns
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (t *NullTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return errors.Newf("unsupported time value %T", src)
	}
}

func (t *NullTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return errors.Wrapf(err, "invalid timestamp %q", s)
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                                   Task
		scope                               string
		sessionID, snapshot                 sql.NullString
		lastRunID, lastRunStatus, lastError sql.NullString
		nextRunAt, createdAt, updatedAt     NullTime
	)

	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Name, &t.Prompt, &t.Enabled, &t.Cron, &t.Timezone, &t.ScheduleMode,
		&scope, &sessionID, &snapshot, &nextRunAt, &lastRunID,
		&lastRunStatus, &lastError, &t.IsDeleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.WorkspaceScope = WorkspaceScope(scope)
	t.SessionID = sessionID.String
	t.NextRunAt = nextRunAt.Time
	t.LastRunID = lastRunID.String
	t.LastRunStatus = lastRunStatus.String
	t.LastError = lastError.String
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time

	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &t.ConfigSnapshot); err != nil {
			return nil, errors.Wrapf(err, "task %s: invalid config snapshot", t.ID)
		}
	}

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate tasks")
	}
	return tasks, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
