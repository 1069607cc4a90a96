package schedule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

const tomlRules = `
enabled = true

[[rules]]
id = "immediate"
seconds = 3
schedule_modes = ["immediate", "manual"]

[[rules]]
kind = "window"
id = "nightly"
timezone = "Asia/Tokyo"
window_minutes = 120

[rules.cron]
hour = 2
minute = 30
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_TOML(t *testing.T) {
	set, err := LoadFile(writeFile(t, "rules.toml", tomlRules))
	require.NoError(t, err)
	require.Len(t, set.Rules, 2)
	assert.True(t, set.Enabled)

	interval, ok := set.Rules[0].(*IntervalRule)
	require.True(t, ok)
	assert.Equal(t, 3, interval.Seconds)
	assert.True(t, interval.StartImmediately)
	assert.Equal(t, []string{"immediate", "manual"}, interval.Modes)

	window, ok := set.Rules[1].(*WindowRule)
	require.True(t, ok)
	assert.Equal(t, "Asia/Tokyo", window.Timezone)
	assert.Equal(t, 120, window.WindowMinutes)
	assert.Equal(t, DefaultPollIntervalSeconds, window.PollIntervalSeconds)
	assert.Equal(t, []string{"nightly"}, window.Modes)

	expr, err := window.Cron.Expression()
	require.NoError(t, err)
	assert.Equal(t, "30 2 * * *", expr)
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "rules.json", `{
		"enabled": false,
		"rules": [
			{"kind": "interval", "id": "scheduled", "seconds": 10, "start_immediately": false},
			{"kind": "window", "id": "weekly", "cron": "0 4 * * sun", "bootstrap_lookback_hours": 200}
		]
	}`)

	set, err := LoadFile(path)
	require.NoError(t, err)
	assert.False(t, set.Enabled)

	interval := set.Rules[0].(*IntervalRule)
	assert.Equal(t, 10, interval.Seconds)
	assert.False(t, interval.StartImmediately)

	window := set.Rules[1].(*WindowRule)
	assert.Equal(t, "0 4 * * sun", window.Cron.Expr)
	assert.Equal(t, 200, window.BootstrapLookbackHours)
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  - kind: window
    id: business-hours
    schedule_modes: [scheduled]
    cron:
      day_of_week: mon-fri
      hour: 9
      timezone: Europe/London
`)

	set, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, set.Enabled, "enabled defaults to true")

	window := set.Rules[0].(*WindowRule)
	assert.Equal(t, "Europe/London", window.Cron.Timezone)
	expr, err := window.Cron.Expression()
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * mon-fri", expr)
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		msg      string
		sentinel error
	}{
		{"unsupported extension", "rules.ini", "x=1", "unsupported schedule config format: .ini", errors.ErrValidation},
		{"unknown kind", "rules.json", `{"rules":[{"kind":"monthly","id":"m"}]}`, `unknown rule kind "monthly"`, errors.ErrValidation},
		{"unknown key", "rules.json", `{"rules":[{"id":"a","secs":3}]}`, "secs", errors.ErrValidation},
		{"unknown cron key", "rules.json", `{"rules":[{"kind":"window","id":"w","cron":{"hours":2}}]}`, "hours", errors.ErrValidation},
		{"explicit zero window", "rules.json", `{"rules":[{"kind":"window","id":"w","cron":{"hour":2},"window_minutes":0}]}`, "window_minutes must be > 0", errors.ErrValidation},
		{"window without cron", "rules.toml", "[[rules]]\nkind = \"window\"\nid = \"w\"\n", "requires non-empty cron", errors.ErrValidation},
		{"duplicate ids", "rules.toml", "[[rules]]\nid = \"a\"\n[[rules]]\nid = \"a\"\n", "duplicate rule id: a", errors.ErrValidation},
		{"malformed toml", "rules.toml", "[[rules]\n", "invalid toml", errors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := LoadFile(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Nil(t, set)
			assert.Contains(t, err.Error(), tt.msg)
			assert.True(t, errors.Is(err, tt.sentinel))
		})
	}
}

func TestLoadFile_MissingAndEmpty(t *testing.T) {
	set, err := LoadFile("")
	require.NoError(t, err)
	assert.Nil(t, set)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func defaultScheduleConfig() am.ScheduleConfig {
	return am.ScheduleConfig{
		Enabled:                    true,
		PullIntervalSeconds:        2,
		ImmediateEnabled:           true,
		ScheduledEnabled:           true,
		NightlyEnabled:             true,
		NightlyStartHour:           2,
		NightlyTimezone:            "UTC",
		NightlyWindowMinutes:       360,
		NightlyPollIntervalSeconds: 2,
	}
}

func TestDefaultSet(t *testing.T) {
	cfg := defaultScheduleConfig()
	cfg.ScheduledIntervalSeconds = 15

	set, err := DefaultSet(cfg)
	require.NoError(t, err)
	require.Len(t, set.Rules, 3)

	immediate := set.Rules[0].(*IntervalRule)
	assert.Equal(t, "immediate", immediate.ID)
	assert.Equal(t, 2, immediate.Seconds)
	assert.Equal(t, []string{"immediate"}, immediate.Modes)

	scheduled := set.Rules[1].(*IntervalRule)
	assert.Equal(t, 15, scheduled.Seconds)

	nightly := set.Rules[2].(*WindowRule)
	expr, err := nightly.Cron.Expression()
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", expr)
	assert.Equal(t, 360, nightly.WindowMinutes)
}

func TestDefaultSet_TogglesAndClamp(t *testing.T) {
	cfg := defaultScheduleConfig()
	cfg.Enabled = false
	cfg.PullIntervalSeconds = 0
	cfg.ScheduledEnabled = false
	cfg.NightlyEnabled = false

	set, err := DefaultSet(cfg)
	require.NoError(t, err)
	assert.False(t, set.Enabled)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, 1, set.Rules[0].(*IntervalRule).Seconds)
}

func TestLoadOrDefault(t *testing.T) {
	cfg := defaultScheduleConfig()
	set, err := LoadOrDefault(cfg)
	require.NoError(t, err)
	assert.Len(t, set.Rules, 3)

	cfg.ConfigPath = writeFile(t, "rules.toml", tomlRules)
	set, err = LoadOrDefault(cfg)
	require.NoError(t, err)
	assert.Len(t, set.Rules, 2)
}
