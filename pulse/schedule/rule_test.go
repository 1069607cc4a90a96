package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/errors"
)

func TestCronSpecExpression(t *testing.T) {
	tests := []struct {
		name string
		spec CronSpec
		want string
	}{
		{"hour and minute", CronSpec{Hour: "2", Minute: "0"}, "0 2 * * *"},
		{"hour only fills minute", CronSpec{Hour: "2"}, "0 2 * * *"},
		{"minute only", CronSpec{Minute: "*/5"}, "*/5 * * * *"},
		{"day fills hour and minute", CronSpec{Day: "15"}, "0 0 15 * *"},
		{"month fills day", CronSpec{Month: "6"}, "0 0 1 6 *"},
		{"gap between fields matches anything", CronSpec{Day: "1", Minute: "30"}, "30 * 1 * *"},
		{"day of week", CronSpec{DayOfWeek: "mon-fri", Hour: "9"}, "0 9 * * mon-fri"},
		{"expr", CronSpec{Expr: " 15 3 * * sun "}, "15 3 * * sun"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.Expression()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCronSpecExpression_Errors(t *testing.T) {
	_, err := CronSpec{}.Expression()
	assert.True(t, errors.IsValidationError(err))

	_, err = CronSpec{Expr: "0 2 * * *", Hour: "3"}.Expression()
	assert.True(t, errors.IsValidationError(err))
}

func TestNewSet_Normalizes(t *testing.T) {
	interval := &IntervalRule{ID: "  fast ", Enabled: true, Modes: []string{" immediate ", "", "  "}, Seconds: 5}
	window := NewWindowRule("nightly", CronSpec{Hour: "2"})

	set, err := NewSet(true, interval, window)
	require.NoError(t, err)
	require.Len(t, set.Rules, 2)

	first := set.Rules[0].(*IntervalRule)
	assert.Equal(t, "fast", first.ID)
	assert.Equal(t, []string{"immediate"}, first.Modes)

	second := set.Rules[1].(*WindowRule)
	assert.Equal(t, []string{"nightly"}, second.Modes, "empty modes default to the rule id")
	assert.Equal(t, "UTC", second.Timezone)

	// inputs are not mutated
	assert.Equal(t, "  fast ", interval.ID)
	assert.Nil(t, window.Modes)

	got, ok := set.Rule("nightly")
	require.True(t, ok)
	assert.Equal(t, KindWindow, got.RuleKind())
}

func TestNewSet_Rejects(t *testing.T) {
	valid := func() *WindowRule { return NewWindowRule("w", CronSpec{Hour: "2"}) }

	tests := []struct {
		name  string
		rules []Rule
		msg   string
	}{
		{"blank id", []Rule{NewIntervalRule("   ")}, "rule id cannot be empty"},
		{"duplicate id", []Rule{NewIntervalRule("a"), NewIntervalRule(" a ")}, "duplicate rule id: a"},
		{"empty cron", []Rule{NewWindowRule("w", CronSpec{})}, "requires non-empty cron"},
		{"bad cron", []Rule{NewWindowRule("w", CronSpec{Hour: "25"})}, "invalid cron"},
		{"zero window", []Rule{func() Rule { r := valid(); r.WindowMinutes = 0; return r }()}, "window_minutes must be > 0"},
		{"zero poll", []Rule{func() Rule { r := valid(); r.PollIntervalSeconds = 0; return r }()}, "poll_interval_seconds must be > 0"},
		{"zero lookback", []Rule{func() Rule { r := valid(); r.BootstrapLookbackHours = 0; return r }()}, "bootstrap_lookback_hours must be > 0"},
		{"negative iterations", []Rule{func() Rule { r := valid(); r.BootstrapMaxIterations = -1; return r }()}, "bootstrap_max_iterations must be > 0"},
		{"nil rule", []Rule{nil}, "nil rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := NewSet(true, tt.rules...)
			require.Error(t, err)
			assert.Nil(t, set)
			assert.Contains(t, err.Error(), tt.msg)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestNewSet_ZeroRules(t *testing.T) {
	set, err := NewSet(true)
	require.NoError(t, err)
	assert.True(t, set.Enabled)
	assert.Empty(t, set.Rules)
}

func TestCronSpecExpression_WeekdaysCountFromMonday(t *testing.T) {
	tests := []struct {
		dow  string
		want string
	}{
		{"0", "mon"},
		{"6", "sun"},
		{"0-4", "mon-fri"},
		{"5-6", "sun,sat"},
		{"5,6", "sun,sat"},
		{"sat,sun", "sun,sat"},
		{"mon-fri", "mon-fri"},
		{"*/2", "sun-mon,wed,fri"},
		{"4/2", "sun,fri"},
		{"0-6", "*"},
		{"*", "*"},
	}
	for _, tt := range tests {
		t.Run(tt.dow, func(t *testing.T) {
			got, err := CronSpec{Hour: "2", DayOfWeek: tt.dow}.Expression()
			require.NoError(t, err)
			assert.Equal(t, "0 2 * * "+tt.want, got)
		})
	}

	for _, bad := range []string{"7", "fri-mon", "-1", "mon/0", "funday"} {
		_, err := CronSpec{Hour: "2", DayOfWeek: bad}.Expression()
		assert.True(t, errors.IsValidationError(err), "day_of_week %q", bad)
	}
}

func TestWindowRule_MondayFiresOnMonday(t *testing.T) {
	rule := NewWindowRule("weekly", CronSpec{Hour: "2", DayOfWeek: "0"})
	set, err := NewSet(true, rule)
	require.NoError(t, err)

	// Monday 2026-10-19, midnight UTC
	ref := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	fires, err := NextFireTimes(set.Rules[0], ref, 2)
	require.NoError(t, err)
	require.Len(t, fires, 2)
	assert.Equal(t, time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC), fires[0].UTC())
	assert.Equal(t, time.Monday, fires[1].Weekday())
}
