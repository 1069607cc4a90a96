package server

import (
	"time"
)

const (
	// ShutdownTimeout bounds how long Shutdown waits for in-flight requests
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds slow clients
	ReadHeaderTimeout = 5 * time.Second
)

// ServerState is the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Envelope wraps every API response
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// SchedulesResponse is the data of GET /api/schedules
type SchedulesResponse struct {
	Rules []ScheduleRuleInfo `json:"rules"`
}

// ScheduleRuleInfo describes one pull rule and its live jobs.
// Interval fields are null for window rules and vice versa.
type ScheduleRuleInfo struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Enabled       bool     `json:"enabled"`
	ScheduleModes []string `json:"schedule_modes"`

	Seconds          *int  `json:"seconds"`
	StartImmediately *bool `json:"start_immediately"`

	Cron                   map[string]string `json:"cron"`
	Timezone               *string           `json:"timezone"`
	WindowMinutes          *int              `json:"window_minutes"`
	PollIntervalSeconds    *int              `json:"poll_interval_seconds"`
	BootstrapLookbackHours *int              `json:"bootstrap_lookback_hours"`
	BootstrapMaxIterations *int              `json:"bootstrap_max_iterations"`

	Jobs []ScheduleJobInfo `json:"jobs"`
}

// ScheduleJobInfo is a registered timer job
type ScheduleJobInfo struct {
	JobID       string     `json:"job_id"`
	Trigger     string     `json:"trigger"`
	NextRunTime *time.Time `json:"next_run_time"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	State    string `json:"server_state"`
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Database string `json:"database"`
	Catalog  string `json:"catalog,omitempty"`

	Memory *MemoryStats `json:"memory,omitempty"`
}
