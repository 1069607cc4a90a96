package am

import (
	"github.com/teranos/agentpulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.Validationf("database.path cannot be empty")
	}
	switch c.Database.Dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return errors.Validationf("database.dialect must be %q or %q, got %q", DialectSQLite, DialectPostgres, c.Database.Dialect)
	}

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port <= 0 {
		return errors.Validationf("server.port must be positive, got %d (omit for default %d)", *c.Server.Port, DefaultServerPort)
	}

	if c.Schedule.PullIntervalSeconds <= 0 {
		return errors.Validationf("schedule.pull_interval_seconds must be > 0, got %d", c.Schedule.PullIntervalSeconds)
	}
	if c.Schedule.NightlyEnabled {
		if c.Schedule.NightlyStartHour < 0 || c.Schedule.NightlyStartHour > 23 {
			return errors.Validationf("schedule.nightly_start_hour must be 0-23, got %d", c.Schedule.NightlyStartHour)
		}
		if c.Schedule.NightlyStartMinute < 0 || c.Schedule.NightlyStartMinute > 59 {
			return errors.Validationf("schedule.nightly_start_minute must be 0-59, got %d", c.Schedule.NightlyStartMinute)
		}
	}

	if c.Dispatch.ClaimBatchSize < 0 {
		return errors.Validationf("dispatch.claim_batch_size must be >= 0, got %d", c.Dispatch.ClaimBatchSize)
	}
	if c.Dispatch.ExecuteTimeoutSeconds <= 0 {
		return errors.Validationf("dispatch.execute_timeout_seconds must be > 0, got %d", c.Dispatch.ExecuteTimeoutSeconds)
	}
	if c.Dispatch.ProgressPerSecond <= 0 {
		return errors.Validationf("dispatch.progress_per_second must be > 0, got %f", c.Dispatch.ProgressPerSecond)
	}

	if c.Catalog.TimeoutSeconds <= 0 {
		return errors.Validationf("catalog.timeout_seconds must be > 0, got %d", c.Catalog.TimeoutSeconds)
	}

	switch c.Blob.Backend {
	case BlobBackendDir:
		if c.Blob.Dir == "" {
			return errors.Validationf("blob.dir cannot be empty for the dir backend")
		}
	case BlobBackendS3:
		if c.Blob.Bucket == "" {
			return errors.Validationf("blob.bucket cannot be empty for the s3 backend")
		}
	case BlobBackendGetter:
		if c.Blob.BaseURL == "" {
			return errors.Validationf("blob.base_url cannot be empty for the getter backend")
		}
	default:
		return errors.Validationf("blob.backend must be dir, s3 or getter, got %q", c.Blob.Backend)
	}

	if c.Workspace.Root == "" {
		return errors.Validationf("workspace.root cannot be empty")
	}

	return nil
}
