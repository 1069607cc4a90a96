// Package task persists scheduled agent tasks and hands due tasks to exactly one
// dispatcher at a time.
package task

import (
	"time"
)

// WorkspaceScope selects which workspace a run executes in
type WorkspaceScope string

const (
	ScopeSession       WorkspaceScope = "session"
	ScopeScheduledTask WorkspaceScope = "scheduled_task"
	ScopeProject       WorkspaceScope = "project"
)

// IsValid reports whether s is a known scope
func (s WorkspaceScope) IsValid() bool {
	switch s {
	case ScopeSession, ScopeScheduledTask, ScopeProject:
		return true
	default:
		return false
	}
}

// DefaultScheduleMode routes tasks without an explicit mode to the scheduled pull rule
const DefaultScheduleMode = "scheduled"

// Task is a persisted scheduled task.
// Tasks are never physically removed; IsDeleted hides them from claims and listings.
type Task struct {
	ID             string                 `json:"id"`
	OwnerID        string                 `json:"owner_id"`
	Name           string                 `json:"name"`
	Prompt         string                 `json:"prompt"`
	Enabled        bool                   `json:"enabled"`
	Cron           string                 `json:"cron"`
	Timezone       string                 `json:"timezone"`
	ScheduleMode   string                 `json:"schedule_mode"`
	WorkspaceScope WorkspaceScope         `json:"workspace_scope"`
	SessionID      string                 `json:"session_id,omitempty"`
	ConfigSnapshot map[string]interface{} `json:"config_snapshot,omitempty"`
	NextRunAt      time.Time              `json:"next_run_at"`
	LastRunID      string                 `json:"last_run_id,omitempty"`
	LastRunStatus  string                 `json:"last_run_status,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	IsDeleted      bool                   `json:"is_deleted"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// CreateParams describes a new task. Zero values take defaults: enabled, UTC,
// session scope, scheduled mode, next run computed from Cron.
type CreateParams struct {
	OwnerID        string
	Name           string
	Prompt         string
	Disabled       bool
	Cron           string
	Timezone       string
	ScheduleMode   string
	WorkspaceScope WorkspaceScope
	SessionID      string
	ConfigSnapshot map[string]interface{}
	NextRunAt      *time.Time
}

// ClaimOptions bounds a claim
type ClaimOptions struct {
	Limit int       // <= 0 uses DefaultClaimLimit
	Now   time.Time // zero uses the store clock
	Modes []string  // empty claims every mode
}

// DefaultClaimLimit is the batch size when a claim does not set one
const DefaultClaimLimit = 50
