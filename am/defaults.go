package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "agentpulse.db")
	v.SetDefault("database.dialect", DialectSQLite)

	v.SetDefault("server.bind", "127.0.0.1")

	// Pull schedule defaults mirror the built-in immediate/scheduled/nightly rules
	v.SetDefault("schedule.pull_enabled", true)
	v.SetDefault("schedule.watch", false)
	v.SetDefault("schedule.pull_interval_seconds", 2)
	v.SetDefault("schedule.immediate_enabled", true)
	v.SetDefault("schedule.scheduled_enabled", true)
	v.SetDefault("schedule.nightly_enabled", true)
	v.SetDefault("schedule.nightly_start_hour", 2)
	v.SetDefault("schedule.nightly_start_minute", 0)
	v.SetDefault("schedule.nightly_timezone", "UTC")
	v.SetDefault("schedule.nightly_window_minutes", 360)
	v.SetDefault("schedule.nightly_poll_interval_seconds", 2)

	v.SetDefault("dispatch.claim_batch_size", 50)
	v.SetDefault("dispatch.execute_timeout_seconds", 30)
	v.SetDefault("dispatch.progress_per_second", 2.0)

	v.SetDefault("catalog.timeout_seconds", 10)
	v.SetDefault("catalog.breaker_max_failures", 5)
	v.SetDefault("catalog.breaker_timeout_seconds", 30)
	v.SetDefault("catalog.allow_private_network", true)

	v.SetDefault("blob.backend", BlobBackendDir)
	v.SetDefault("blob.dir", "blobs")
	v.SetDefault("blob.timeout_seconds", 120)

	v.SetDefault("workspace.root", "workspaces")
}

// BindSensitiveEnvVars explicitly binds secrets to environment variables so they
// never need to live in a config file
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("catalog.token", "AGENTPULSE_CATALOG_TOKEN")
	v.BindEnv("dispatch.callback_token", "AGENTPULSE_CALLBACK_TOKEN")
}
