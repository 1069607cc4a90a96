// Package resolve turns a task's persisted config snapshot into the fully materialized
// config handed to the executor.
//
// A snapshot references MCP servers, skills, plugins and subagents by id and
// credentials by env var name. Resolve looks the ids up in the Catalog, interpolates
// ${...} templates against the owner's env map and decides whether a git token may be
// forwarded. Resolution is read-only and safe to retry.
package resolve

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// Snapshot and resolved config keys
const (
	KeyMCPServerIDs      = "mcp_server_ids"
	KeyMCPConfig         = "mcp_config"
	KeySkillIDs          = "skill_ids"
	KeySkillFiles        = "skill_files"
	KeyPluginIDs         = "plugin_ids"
	KeyPluginFiles       = "plugin_files"
	KeySubagentIDs       = "subagent_ids"
	KeyInputFiles        = "input_files"
	KeyAgents            = "agents"
	KeySubagentRawAgents = "subagent_raw_agents"
	KeyGitTokenEnvKey    = "git_token_env_key"
	KeyRepoURL           = "repo_url"
	KeyGitToken          = "git_token"
)

// DefaultLookupTimeout bounds each catalog lookup
const DefaultLookupTimeout = 10 * time.Second

// Request identifies the task being resolved. The ids other than OwnerID only
// label log lines.
type Request struct {
	OwnerID   string
	SessionID string
	TaskID    string
	RunID     string
	Snapshot  map[string]interface{}
}

// Resolved is the materialized config for one execution. It holds secrets and is
// never persisted.
type Resolved map[string]interface{}

// Resolver materializes config snapshots
type Resolver struct {
	catalog Catalog
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewResolver creates a resolver; lookupTimeout <= 0 uses DefaultLookupTimeout
func NewResolver(catalog Catalog, lookupTimeout time.Duration, log *zap.SugaredLogger) *Resolver {
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	return &Resolver{
		catalog: catalog,
		timeout: lookupTimeout,
		logger:  logger.OrGlobal(log),
	}
}

// Resolve fetches the env map, MCP servers, skills, plugins and subagents concurrently,
// then renders templates and applies git token gating. Any lookup failure other than
// subagents fails the resolution; a subagent failure is logged and treated as none.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolved, error) {
	started := time.Now()
	snapshot := req.Snapshot
	if snapshot == nil {
		snapshot = map[string]interface{}{}
	}
	ids := []interface{}{
		logger.FieldUserID, req.OwnerID,
		logger.FieldSessionID, req.SessionID,
		logger.FieldTaskID, req.TaskID,
		logger.FieldRunID, req.RunID,
	}

	var (
		env       map[string]string
		mcp       map[string]interface{}
		skills    map[string]interface{}
		plugins   map[string]interface{}
		subagents Subagents
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.step(gctx, "config_resolve_env_map", ids, func(ctx context.Context) (int, error) {
			var err error
			env, err = r.catalog.EnvMap(ctx, req.OwnerID)
			return len(env), err
		})
	})
	g.Go(func() error {
		return r.step(gctx, "config_resolve_mcp_config", ids, func(ctx context.Context) (int, error) {
			var err error
			mcp, err = r.effectiveMCP(ctx, req.OwnerID, snapshot)
			return len(mcp), err
		})
	})
	g.Go(func() error {
		return r.step(gctx, "config_resolve_skill_files", ids, func(ctx context.Context) (int, error) {
			var err error
			skills, err = r.effectiveEntries(ctx, req.OwnerID, snapshot, KeySkillIDs, KeySkillFiles, r.catalog.ResolveSkills)
			return len(skills), err
		})
	})
	g.Go(func() error {
		return r.step(gctx, "config_resolve_plugin_files", ids, func(ctx context.Context) (int, error) {
			var err error
			plugins, err = r.effectiveEntries(ctx, req.OwnerID, snapshot, KeyPluginIDs, KeyPluginFiles, r.catalog.ResolvePlugins)
			return len(plugins), err
		})
	})
	g.Go(func() error {
		err := r.step(gctx, "config_resolve_subagents", ids, func(ctx context.Context) (int, error) {
			var err error
			subagents, err = r.effectiveSubagents(ctx, req.OwnerID, snapshot)
			return len(subagents.Structured) + len(subagents.Raw), err
		})
		if err != nil && gctx.Err() == nil {
			r.logger.Warnw("Failed to resolve subagents, continuing without them",
				logger.FieldUserID, req.OwnerID,
				logger.FieldTaskID, req.TaskID,
				logger.FieldError, err)
			subagents = Subagents{}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	renderStarted := time.Now()
	out, err := render(snapshot, env, mcp, skills, plugins, subagents)
	if err != nil {
		return nil, err
	}
	r.logger.Infow("timing", append([]interface{}{
		logger.FieldStep, "config_resolve_render",
		logger.FieldDurationMS, time.Since(renderStarted).Milliseconds(),
	}, ids...)...)

	token, err := r.gitToken(out, env)
	if err != nil {
		return nil, err
	}
	if token != "" {
		out[KeyGitToken] = token
	}

	r.logger.Infow("timing", append([]interface{}{
		logger.FieldStep, "config_resolve_total",
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
	}, ids...)...)
	return out, nil
}

// step runs one lookup under the per-lookup timeout and logs its duration
func (r *Resolver) step(ctx context.Context, name string, ids []interface{}, fn func(context.Context) (int, error)) error {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := fn(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = errors.MarkWrapf(err, errors.ErrTimeout, "%s exceeded %s", name, r.timeout)
	}

	r.logger.Infow("timing", append([]interface{}{
		logger.FieldStep, name,
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
		logger.FieldCount, n,
	}, ids...)...)
	return err
}

// effectiveMCP applies the priority: mcp_server_ids, then {id: bool} toggles in
// mcp_config, then mcp_config taken as already-resolved server configs.
func (r *Resolver) effectiveMCP(ctx context.Context, owner string, snapshot map[string]interface{}) (map[string]interface{}, error) {
	if ids := normalizeIDs(snapshot[KeyMCPServerIDs]); len(ids) > 0 {
		return r.catalog.ResolveMCP(ctx, owner, ids)
	}

	raw := snapshot[KeyMCPConfig]
	if ids, ok := enabledToggleIDs(raw); ok {
		if len(ids) == 0 {
			return map[string]interface{}{}, nil
		}
		return r.catalog.ResolveMCP(ctx, owner, ids)
	}
	return asMap(raw), nil
}

type lookupFunc func(ctx context.Context, owner string, ids []int) (map[string]interface{}, error)

// effectiveEntries applies the two-tier priority shared by skills and plugins:
// the id list wins over the legacy inline map.
func (r *Resolver) effectiveEntries(ctx context.Context, owner string, snapshot map[string]interface{}, idsKey, legacyKey string, lookup lookupFunc) (map[string]interface{}, error) {
	if ids := normalizeIDs(snapshot[idsKey]); len(ids) > 0 {
		return lookup(ctx, owner, ids)
	}
	return asMap(snapshot[legacyKey]), nil
}

func (r *Resolver) effectiveSubagents(ctx context.Context, owner string, snapshot map[string]interface{}) (Subagents, error) {
	raw, present := snapshot[KeySubagentIDs]
	var ids []int
	if present {
		ids = normalizeIDs(raw)
	}
	return r.catalog.ResolveSubagents(ctx, owner, ids, present)
}

func render(snapshot map[string]interface{}, env map[string]string, mcp, skills, plugins map[string]interface{}, subagents Subagents) (Resolved, error) {
	out := make(Resolved, len(snapshot)+6)
	for k, v := range snapshot {
		out[k] = v
	}

	renderedMCP := make(map[string]interface{}, len(mcp))
	for name, cfg := range mcp {
		if _, ok := cfg.(map[string]interface{}); !ok {
			renderedMCP[name] = cfg
			continue
		}
		v, err := ResolveEnv(cfg, env)
		if err != nil {
			return nil, errors.Wrapf(err, "mcp server %s", name)
		}
		renderedMCP[name] = v
	}

	renderedSkills, err := renderEntries(skills, env, "skill")
	if err != nil {
		return nil, err
	}
	renderedPlugins, err := renderEntries(plugins, env, "plugin")
	if err != nil {
		return nil, err
	}

	inputs := snapshot[KeyInputFiles]
	if isEmpty(inputs) {
		inputs = []interface{}{}
	}
	renderedInputs, err := ResolveEnv(inputs, env)
	if err != nil {
		return nil, errors.Wrap(err, "input files")
	}

	out[KeyMCPConfig] = renderedMCP
	out[KeySkillFiles] = renderedSkills
	out[KeyPluginFiles] = renderedPlugins
	out[KeyInputFiles] = renderedInputs
	if subagents.Structured != nil {
		out[KeyAgents] = subagents.Structured
	}
	if subagents.Raw != nil {
		out[KeySubagentRawAgents] = subagents.Raw
	}
	return out, nil
}

// renderEntries drops entries that are not maps and collapses disabled ones to
// {enabled: false} so no template inside them is evaluated
func renderEntries(entries map[string]interface{}, env map[string]string, kind string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(entries))
	for name, cfg := range entries {
		m, ok := cfg.(map[string]interface{})
		if !ok {
			continue
		}
		if enabled, isBool := m["enabled"].(bool); isBool && !enabled {
			out[name] = map[string]interface{}{"enabled": false}
			continue
		}
		v, err := ResolveEnv(m, env)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", kind, name)
		}
		out[name] = v
	}
	return out, nil
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok && m != nil {
		return m
	}
	return map[string]interface{}{}
}

// isEmpty reports the zero-ish values a snapshot uses for "no input files"
func isEmpty(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []interface{}:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case string:
		return x == ""
	case bool:
		return !x
	default:
		return false
	}
}
