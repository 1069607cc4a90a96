package resolve

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/agentpulse/errors"
)

type fakeCatalog struct {
	mu sync.Mutex

	env       map[string]string
	mcp       map[string]interface{}
	skills    map[string]interface{}
	plugins   map[string]interface{}
	subagents Subagents

	envErr      error
	subagentErr error
	mcpDelay    time.Duration

	mcpIDs          []int
	skillIDs        []int
	pluginIDs       []int
	subagentIDs     []int
	subagentPresent bool
	calls           []string
}

func (f *fakeCatalog) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCatalog) EnvMap(ctx context.Context, ownerID string) (map[string]string, error) {
	f.record("env")
	return f.env, f.envErr
}

func (f *fakeCatalog) ResolveMCP(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error) {
	f.record("mcp")
	f.mcpIDs = ids
	if f.mcpDelay > 0 {
		select {
		case <-time.After(f.mcpDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.mcp, nil
}

func (f *fakeCatalog) ResolveSkills(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error) {
	f.record("skills")
	f.skillIDs = ids
	return f.skills, nil
}

func (f *fakeCatalog) ResolvePlugins(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error) {
	f.record("plugins")
	f.pluginIDs = ids
	return f.plugins, nil
}

func (f *fakeCatalog) ResolveSubagents(ctx context.Context, ownerID string, ids []int, idsPresent bool) (Subagents, error) {
	f.record("subagents")
	f.subagentIDs = ids
	f.subagentPresent = idsPresent
	return f.subagents, f.subagentErr
}

func (f *fakeCatalog) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func observedResolver(catalog Catalog) (*Resolver, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewResolver(catalog, time.Second, zap.New(core).Sugar()), logs
}

func TestResolveByIDs(t *testing.T) {
	cat := &fakeCatalog{
		env: map[string]string{"GH": "ghp_x", "API_KEY": "k"},
		mcp: map[string]interface{}{
			"search": map[string]interface{}{"env": map[string]interface{}{"KEY": "${API_KEY}"}},
			"raw":    "passthrough",
		},
		skills: map[string]interface{}{
			"lint":  map[string]interface{}{"path": "skills/lint"},
			"off":   map[string]interface{}{"enabled": false, "secret": "${NOPE}"},
			"bogus": "not a map",
		},
		plugins: map[string]interface{}{
			"fmt": map[string]interface{}{"s3_key": "plugins/fmt/", "enabled": true},
		},
		subagents: Subagents{
			Structured: map[string]interface{}{"reviewer": map[string]interface{}{"prompt": "review"}},
			Raw:        map[string]string{"planner": "# Planner"},
		},
	}
	r, _ := observedResolver(cat)

	out, err := r.Resolve(context.Background(), Request{
		OwnerID: "u1",
		TaskID:  "t1",
		Snapshot: map[string]interface{}{
			"mcp_server_ids":    []interface{}{"2", float64(1), "2"},
			"mcp_config":        map[string]interface{}{"9": true},
			"skill_ids":         []interface{}{float64(5)},
			"plugin_ids":        []interface{}{"8"},
			"subagent_ids":      []interface{}{},
			"input_files":       []interface{}{"${GH:-x}/in.txt"},
			"repo_url":          "https://github.com/acme/app",
			"git_token_env_key": "GH",
			"model":             "sonnet",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 1}, cat.mcpIDs, "explicit ids win over toggles")
	assert.Equal(t, []int{5}, cat.skillIDs)
	assert.Equal(t, []int{8}, cat.pluginIDs)
	assert.True(t, cat.subagentPresent)
	assert.Empty(t, cat.subagentIDs)

	assert.Equal(t, map[string]interface{}{
		"search": map[string]interface{}{"env": map[string]interface{}{"KEY": "k"}},
		"raw":    "passthrough",
	}, out[KeyMCPConfig])
	assert.Equal(t, map[string]interface{}{
		"lint": map[string]interface{}{"path": "skills/lint"},
		"off":  map[string]interface{}{"enabled": false},
	}, out[KeySkillFiles])
	assert.Equal(t, cat.plugins, out.PluginFiles())
	assert.Equal(t, []interface{}{"ghp_x/in.txt"}, out[KeyInputFiles])
	assert.Equal(t, cat.subagents.Structured, out[KeyAgents])
	assert.Equal(t, map[string]string{"planner": "# Planner"}, out.RawAgents())
	assert.Equal(t, "ghp_x", out.GitToken())
	assert.Equal(t, "sonnet", out["model"], "snapshot keys are kept")
}

func TestResolveToggles(t *testing.T) {
	cat := &fakeCatalog{mcp: map[string]interface{}{"a": map[string]interface{}{}}}
	r, _ := observedResolver(cat)

	out, err := r.Resolve(context.Background(), Request{
		OwnerID:  "u1",
		Snapshot: map[string]interface{}{"mcp_config": map[string]interface{}{"4": true, "3": false}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{4}, cat.mcpIDs)
	assert.Equal(t, map[string]interface{}{"a": map[string]interface{}{}}, out[KeyMCPConfig])
}

func TestResolveEmptyTogglesSkipLookup(t *testing.T) {
	cat := &fakeCatalog{}
	r, _ := observedResolver(cat)

	out, err := r.Resolve(context.Background(), Request{
		OwnerID:  "u1",
		Snapshot: map[string]interface{}{"mcp_config": map[string]interface{}{"1": false}},
	})
	require.NoError(t, err)
	assert.False(t, cat.called("mcp"))
	assert.Equal(t, map[string]interface{}{}, out[KeyMCPConfig])
}

func TestResolveLegacyInline(t *testing.T) {
	cat := &fakeCatalog{env: map[string]string{"TOKEN": "t"}}
	r, _ := observedResolver(cat)

	out, err := r.Resolve(context.Background(), Request{
		OwnerID: "u1",
		Snapshot: map[string]interface{}{
			"mcp_config": map[string]interface{}{
				"github": map[string]interface{}{"headers": map[string]interface{}{"Authorization": "Bearer ${TOKEN}"}},
			},
			"plugin_files": map[string]interface{}{"old": map[string]interface{}{"enabled": false}},
			"skill_ids":    []interface{}{"nope"},
			"skill_files":  "garbage",
		},
	})
	require.NoError(t, err)

	assert.False(t, cat.called("mcp"))
	assert.False(t, cat.called("skills"))
	assert.False(t, cat.called("plugins"))
	assert.False(t, cat.subagentPresent, "absent subagent_ids asks for all")
	assert.Equal(t, map[string]interface{}{
		"github": map[string]interface{}{"headers": map[string]interface{}{"Authorization": "Bearer t"}},
	}, out[KeyMCPConfig])
	assert.Equal(t, map[string]interface{}{"old": map[string]interface{}{"enabled": false}}, out[KeyPluginFiles])
	assert.Equal(t, map[string]interface{}{}, out[KeySkillFiles])
	assert.Equal(t, []interface{}{}, out[KeyInputFiles])
	assert.NotContains(t, out, KeyAgents)
	assert.NotContains(t, out, KeyGitToken)
}

func TestResolveMissingEnvFails(t *testing.T) {
	cat := &fakeCatalog{env: map[string]string{}}
	r, _ := observedResolver(cat)

	_, err := r.Resolve(context.Background(), Request{
		OwnerID: "u1",
		Snapshot: map[string]interface{}{
			"plugin_files": map[string]interface{}{"p": map[string]interface{}{"token": "${PLUGIN_TOKEN}"}},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEnvVarMissing))
	assert.Contains(t, err.Error(), "PLUGIN_TOKEN")
}

func TestResolveLookupFailureFails(t *testing.T) {
	cat := &fakeCatalog{envErr: errors.Mark(errors.New("backend down"), errors.ErrServiceUnavailable)}
	r, _ := observedResolver(cat)

	_, err := r.Resolve(context.Background(), Request{OwnerID: "u1"})
	require.Error(t, err)
	assert.True(t, errors.IsServiceUnavailableError(err))
}

func TestResolveSubagentFailureIsNonFatal(t *testing.T) {
	cat := &fakeCatalog{subagentErr: errors.New("catalog 500")}
	r, logs := observedResolver(cat)

	out, err := r.Resolve(context.Background(), Request{OwnerID: "u1"})
	require.NoError(t, err)
	assert.NotContains(t, out, KeyAgents)
	assert.NotContains(t, out, KeySubagentRawAgents)
	assert.Equal(t, 1, logs.FilterMessageSnippet("Failed to resolve subagents").Len())
}

func TestResolveLookupTimeout(t *testing.T) {
	cat := &fakeCatalog{mcpDelay: time.Second}
	r := NewResolver(cat, 20*time.Millisecond, zap.NewNop().Sugar())

	_, err := r.Resolve(context.Background(), Request{
		OwnerID:  "u1",
		Snapshot: map[string]interface{}{"mcp_server_ids": []interface{}{float64(1)}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}

func TestResolveLogsTimingPerStep(t *testing.T) {
	r, logs := observedResolver(&fakeCatalog{})

	_, err := r.Resolve(context.Background(), Request{OwnerID: "u1", TaskID: "t1", RunID: "r1"})
	require.NoError(t, err)

	steps := map[string]bool{}
	for _, e := range logs.FilterMessage("timing").All() {
		ctx := e.ContextMap()
		steps[ctx["step"].(string)] = true
		assert.Equal(t, "t1", ctx["task_id"])
		assert.Equal(t, "r1", ctx["run_id"])
	}
	for _, step := range []string{
		"config_resolve_env_map", "config_resolve_mcp_config", "config_resolve_skill_files",
		"config_resolve_plugin_files", "config_resolve_subagents", "config_resolve_render",
		"config_resolve_total",
	} {
		assert.True(t, steps[step], step)
	}
}

func TestGitTokenGating(t *testing.T) {
	tests := []struct {
		name     string
		repoURL  interface{}
		key      interface{}
		env      map[string]string
		want     string
		sentinel error
	}{
		{"github https", "https://github.com/x/y", "GH", map[string]string{"GH": "tok"}, "tok", nil},
		{"www github", "http://WWW.GitHub.com/x/y", " GH ", map[string]string{"GH": "tok"}, "tok", nil},
		{"other host", "https://evil.example.com/x/y", "GH", map[string]string{"GH": "tok"}, "", nil},
		{"lookalike host", "https://github.com.evil.io/x", "GH", map[string]string{"GH": "tok"}, "", nil},
		{"userinfo", "https://attacker@github.com/x", "GH", map[string]string{"GH": "tok"}, "", nil},
		{"port", "https://github.com:8443/x", "GH", map[string]string{"GH": "tok"}, "", nil},
		{"ssh", "ssh://git@github.com/x/y", "GH", map[string]string{"GH": "tok"}, "", nil},
		{"no key", "https://github.com/x/y", "", map[string]string{"GH": "tok"}, "", nil},
		{"no repo", "", "GH", map[string]string{"GH": "tok"}, "", nil},
		{"missing token", "https://github.com/x/y", "GH", map[string]string{}, "", errors.ErrEnvVarMissing},
		{"empty token", "https://github.com/x/y", "GH", map[string]string{"GH": ""}, "", errors.ErrEnvVarMissing},
		{"missing token on other host", "https://gitlab.com/x/y", "GH", map[string]string{}, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, logs := observedResolver(&fakeCatalog{})
			cfg := Resolved{KeyRepoURL: tt.repoURL, KeyGitTokenEnvKey: tt.key}

			got, err := r.gitToken(cfg, tt.env)
			if tt.sentinel != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.sentinel))
				assert.Contains(t, err.Error(), "required for private GitHub repo")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			if tt.want == "" && tt.key != "" && tt.repoURL != "" {
				refused := logs.FilterMessage("Refusing to forward git token").All()
				require.Len(t, refused, 1)
				assert.Equal(t, zapcore.ErrorLevel, refused[0].Level)
			}
		})
	}
}

func TestResolveOmitsGitTokenForOtherHosts(t *testing.T) {
	r, _ := observedResolver(&fakeCatalog{env: map[string]string{"GH": "tok"}})

	out, err := r.Resolve(context.Background(), Request{
		OwnerID: "u1",
		Snapshot: map[string]interface{}{
			"repo_url":          "https://evil.example.com/x/y",
			"git_token_env_key": "GH",
		},
	})
	require.NoError(t, err)
	assert.NotContains(t, out, KeyGitToken)
}
