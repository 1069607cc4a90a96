// Package run tracks each dispatch of a scheduled task as an explicit state machine:
// queued -> running -> success | failed. Every transition is persisted.
package run

import (
	"time"
)

// Status is the state of a run
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// transitions lists the states each state may move to
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusSuccess, StatusFailed},
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns the states that may move to to
func sourcesOf(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// MaxProgressBeforeSuccess caps progress until the run succeeds
const MaxProgressBeforeSuccess = 99

// Run is one dispatch of a scheduled task
type Run struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Error      string     `json:"error,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxProgressBeforeSuccess {
		return MaxProgressBeforeSuccess
	}
	return p
}
