// Package am loads agentpulse configuration ("I am") from defaults, TOML files and
// AGENTPULSE_* environment variables.
package am

// Config represents the agentpulse configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
}

// DatabaseConfig configures the task store
type DatabaseConfig struct {
	Path    string `mapstructure:"path"`    // SQLite file, or the connection string for postgres
	Dialect string `mapstructure:"dialect"` // sqlite (default) or postgres
}

// ServerConfig configures the introspection HTTP server
type ServerConfig struct {
	Port *int   `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	Bind string `mapstructure:"bind"`
}

// DefaultServerPort is used when server.port is omitted
const DefaultServerPort = 8790

// ScheduleConfig configures the pull schedule.
// When ConfigPath is empty the immediate/scheduled/nightly defaults below are used.
type ScheduleConfig struct {
	Enabled    bool   `mapstructure:"pull_enabled"`
	ConfigPath string `mapstructure:"config_path"` // .toml, .json or .yaml rule file
	Watch      bool   `mapstructure:"watch"`       // reload the rule file on change

	PullIntervalSeconds int `mapstructure:"pull_interval_seconds"`

	ImmediateEnabled         bool `mapstructure:"immediate_enabled"`
	ImmediateIntervalSeconds int  `mapstructure:"immediate_interval_seconds"` // 0 = pull_interval_seconds

	ScheduledEnabled         bool `mapstructure:"scheduled_enabled"`
	ScheduledIntervalSeconds int  `mapstructure:"scheduled_interval_seconds"` // 0 = pull_interval_seconds

	NightlyEnabled             bool   `mapstructure:"nightly_enabled"`
	NightlyStartHour           int    `mapstructure:"nightly_start_hour"`
	NightlyStartMinute         int    `mapstructure:"nightly_start_minute"`
	NightlyTimezone            string `mapstructure:"nightly_timezone"`
	NightlyWindowMinutes       int    `mapstructure:"nightly_window_minutes"`
	NightlyPollIntervalSeconds int    `mapstructure:"nightly_poll_interval_seconds"`
}

// DispatchConfig configures claiming and handing work to the executor
type DispatchConfig struct {
	ClaimBatchSize        int     `mapstructure:"claim_batch_size"`
	ExecutorURL           string  `mapstructure:"executor_url"`
	CallbackURL           string  `mapstructure:"callback_url"`
	CallbackToken         string  `mapstructure:"callback_token"`
	ExecuteTimeoutSeconds int     `mapstructure:"execute_timeout_seconds"`
	ProgressPerSecond     float64 `mapstructure:"progress_per_second"` // run progress commits per second
}

// CatalogConfig configures the backend catalog client (env vars, mcp, skills, plugins, subagents)
type CatalogConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	Token                 string `mapstructure:"token"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	BreakerMaxFailures    int    `mapstructure:"breaker_max_failures"`
	BreakerTimeoutSeconds int    `mapstructure:"breaker_timeout_seconds"`
	AllowPrivateNetwork   bool   `mapstructure:"allow_private_network"` // catalog usually lives on a private network
}

// BlobConfig selects the object store plugins are downloaded from
type BlobConfig struct {
	Backend        string `mapstructure:"backend"` // dir, s3 or getter
	Dir            string `mapstructure:"dir"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	UsePathStyle   bool   `mapstructure:"use_path_style"`
	BaseURL        string `mapstructure:"base_url"` // getter backend: keys are appended to this URL
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// WorkspaceConfig configures where per-session workspaces live
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// Blob backends
const (
	BlobBackendDir    = "dir"
	BlobBackendS3     = "s3"
	BlobBackendGetter = "getter"
)

// Database dialects
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// DefaultDirPermissions is used for directories agentpulse creates
const DefaultDirPermissions = 0o755

// ServerPort returns the configured port or the default
func (c *Config) ServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}
