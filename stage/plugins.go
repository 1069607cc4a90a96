package stage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/blob"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// Plugin is one staged plugin
type Plugin struct {
	Name      string
	Enabled   bool
	LocalPath string
	// Spec is the resolved plugin entry as given
	Spec map[string]interface{}
	// Entry is where the download location was read from (Spec["entry"] or Spec)
	Entry map[string]interface{}
}

// Config is the plugin entry handed to the executor
func (p Plugin) Config() map[string]interface{} {
	if !p.Enabled {
		return map[string]interface{}{"enabled": false}
	}
	out := make(map[string]interface{}, len(p.Spec)+3)
	for k, v := range p.Spec {
		out[k] = v
	}
	out["enabled"] = true
	out["local_path"] = p.LocalPath
	out["entry"] = p.Entry
	return out
}

// PluginConfigs renders staged plugins for the executor config
func PluginConfigs(staged map[string]Plugin) map[string]interface{} {
	out := make(map[string]interface{}, len(staged))
	for name, p := range staged {
		out[name] = p.Config()
	}
	return out
}

// PluginStager downloads enabled plugins from the blob store into the workspace and
// removes plugin directories that are no longer enabled
type PluginStager struct {
	workspace Workspace
	store     blob.Store
	logger    *zap.SugaredLogger
}

// NewPluginStager creates a stager
func NewPluginStager(workspace Workspace, store blob.Store, log *zap.SugaredLogger) *PluginStager {
	return &PluginStager{
		workspace: workspace,
		store:     store,
		logger:    logger.AddStageSymbol(log),
	}
}

// Stage makes <session>/workspace/.claude_data/plugins match plugins.
//
// Entries that are not maps are ignored. An entry with enabled=false is reported as
// disabled and its directory removed. Enabled entries are downloaded from s3_key (or
// key), either from entry or from the entry's own "entry" map; a key ending in "/" or
// is_prefix=true downloads a whole prefix, otherwise a single object named after the
// key's last segment. Enabled entries without a key keep their directory but are not
// reported. The first download failure aborts staging.
func (s *PluginStager) Stage(ctx context.Context, userID, sessionID string, plugins map[string]interface{}) (map[string]Plugin, error) {
	started := time.Now()

	names := make([]string, 0, len(plugins))
	specs := make(map[string]map[string]interface{}, len(plugins))
	enabled := make(map[string]bool, len(plugins))
	for name, raw := range plugins {
		spec, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if err := ValidateName("plugin", name); err != nil {
			return nil, err
		}
		names = append(names, name)
		specs[name] = spec
		if !isDisabled(spec) {
			enabled[name] = true
		}
	}
	sort.Strings(names)

	root, err := s.workspace.PluginsRoot(userID, sessionID)
	if err != nil {
		return nil, err
	}
	removed := s.clean(root, enabled)

	staged := make(map[string]Plugin, len(names))
	for _, name := range names {
		spec := specs[name]
		if !enabled[name] {
			staged[name] = Plugin{Name: name, Enabled: false}
			continue
		}

		entry := spec
		if nested, ok := spec["entry"].(map[string]interface{}); ok {
			entry = nested
		}
		key := firstString(entry, "s3_key", "key")
		if key == "" {
			continue
		}

		target := filepath.Join(root, name)
		if err := Contained(root, target); err != nil {
			s.logger.Errorw("Plugin path escapes workspace",
				logger.FieldPlugin, name,
				logger.FieldPath, target)
			return nil, errors.Wrapf(err, "Invalid plugin path: %s", name)
		}
		// Fresh directory per run so leftovers from an older download never survive
		if err := os.RemoveAll(target); err != nil {
			return nil, errors.MarkWrapf(err, errors.ErrStagingIO, "Failed to clear plugin %s", name)
		}
		if err := os.MkdirAll(target, am.DefaultDirPermissions); err != nil {
			return nil, errors.MarkWrapf(err, errors.ErrStagingIO, "Failed to stage plugin %s", name)
		}

		isPrefix := truthy(entry["is_prefix"]) || strings.HasSuffix(key, "/")
		stepStarted := time.Now()
		if isPrefix {
			err = s.store.DownloadPrefix(ctx, key, target)
		} else {
			err = s.store.DownloadObject(ctx, key, filepath.Join(target, path.Base(key)))
		}
		if err != nil {
			return nil, errors.MarkWrapf(err, errors.ErrDownloadFailed, "Failed to stage plugin %s", name)
		}
		s.logger.Infow("timing",
			logger.FieldStep, "plugin_stage_download",
			logger.FieldDurationMS, time.Since(stepStarted).Milliseconds(),
			logger.FieldUserID, userID,
			logger.FieldSessionID, sessionID,
			logger.FieldPlugin, name,
			logger.FieldKey, key,
			"is_prefix", isPrefix)

		staged[name] = Plugin{
			Name:      name,
			Enabled:   true,
			LocalPath: target,
			Spec:      spec,
			Entry:     entry,
		}
	}

	s.logger.Infow("timing",
		logger.FieldStep, "plugin_stage_total",
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
		logger.FieldUserID, userID,
		logger.FieldSessionID, sessionID,
		"plugins_requested", len(plugins),
		"plugins_staged", len(staged),
		"plugins_removed", removed)
	return staged, nil
}

// clean removes plugin directories not in keep. Symlinks and files are left alone,
// and removal failures only cost a warning: the next run retries them.
func (s *PluginStager) clean(root string, keep map[string]bool) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		s.logger.Warnw("Failed to list plugins directory", logger.FieldPath, root, logger.FieldError, err)
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || e.Type()&os.ModeSymlink != 0 || keep[e.Name()] {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if err := Contained(root, dir); err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warnw("Failed to remove stale plugin",
				logger.FieldPlugin, e.Name(),
				logger.FieldError, err)
			continue
		}
		removed++
	}
	return removed
}

func isDisabled(spec map[string]interface{}) bool {
	enabled, ok := spec["enabled"].(bool)
	return ok && !enabled
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	default:
		return false
	}
}
