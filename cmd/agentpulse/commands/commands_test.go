package commands

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/internal/util"
	"github.com/teranos/agentpulse/server"
)

func TestReadSnapshot(t *testing.T) {
	snapshot, err := readSnapshot("")
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"plugin_ids": [3, 4], "repo_url": "https://github.com/acme/app"}`), 0o644))
	snapshot, err = readSnapshot(good)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/app", snapshot["repo_url"])

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[1, 2]`), 0o644))
	_, err = readSnapshot(bad)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	_, err = readSnapshot(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestDescribeSchedule(t *testing.T) {
	interval := server.ScheduleRuleInfo{Kind: "interval", Seconds: util.Ptr(5)}
	assert.Equal(t, "every 5s", describeSchedule(interval))

	window := server.ScheduleRuleInfo{
		Kind:          "window",
		Cron:          map[string]string{"hour": "2", "minute": "0"},
		Timezone:      util.Ptr("Europe/Amsterdam"),
		WindowMinutes: util.Ptr(360),
	}
	assert.Equal(t, "cron hour=2 minute=0 Europe/Amsterdam, 360m window", describeSchedule(window))

	assert.Equal(t, "-", describeSchedule(server.ScheduleRuleInfo{Kind: "interval"}))
}

func TestRedact(t *testing.T) {
	settings := map[string]interface{}{
		"catalog":  map[string]interface{}{"token": "s3cret", "base_url": "http://catalog"},
		"dispatch": map[string]interface{}{"callback_token": ""},
	}
	redact(settings)

	catalog := settings["catalog"].(map[string]interface{})
	assert.Equal(t, "********", catalog["token"])
	assert.Equal(t, "http://catalog", catalog["base_url"])
	// Empty values stay empty so "not set" remains visible
	assert.Equal(t, "", settings["dispatch"].(map[string]interface{})["callback_token"])
}

func TestFetchSchedules(t *testing.T) {
	srv := server.New(server.Options{Schedule: am.ScheduleConfig{
		Enabled:             true,
		PullIntervalSeconds: 5,
		ScheduledEnabled:    true,
	}}, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := fetchSchedules(context.Background(), ts.URL)
	require.NoError(t, err)
	require.Len(t, resp.Rules, 1)

	rule := resp.Rules[0]
	assert.Equal(t, "scheduled", rule.ID)
	assert.True(t, rule.Enabled)
	require.NotNil(t, rule.Seconds)
	assert.Equal(t, 5, *rule.Seconds)
	assert.Empty(t, rule.Jobs)
}

func TestFetchSchedulesServerDown(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	_, err := fetchSchedules(context.Background(), url)
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "--offline")
}
