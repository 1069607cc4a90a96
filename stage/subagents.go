package stage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// SubAgentStager writes raw markdown subagents to the session's agents directory
type SubAgentStager struct {
	workspace Workspace
	logger    *zap.SugaredLogger
}

// NewSubAgentStager creates a stager
func NewSubAgentStager(workspace Workspace, log *zap.SugaredLogger) *SubAgentStager {
	return &SubAgentStager{workspace: workspace, logger: logger.AddStageSymbol(log)}
}

// Stage replaces every *.md file in <session>/workspace/.claude_data/agents with one
// <name>.md per raw agent and returns name -> file path. Non-empty bodies get a
// trailing newline. Agents that disappeared from raw are removed by the reset.
func (s *SubAgentStager) Stage(ctx context.Context, userID, sessionID string, raw map[string]string) (map[string]string, error) {
	started := time.Now()

	names := make([]string, 0, len(raw))
	for name := range raw {
		if err := ValidateName("subagent", name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	root, err := s.workspace.AgentsRoot(userID, sessionID)
	if err != nil {
		return nil, err
	}
	removed := s.clean(root)

	staged := make(map[string]string, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := filepath.Join(root, name+".md")
		if err := Contained(root, target); err != nil {
			s.logger.Errorw("Subagent path escapes workspace",
				logger.FieldSubagent, name,
				logger.FieldPath, target)
			return nil, errors.Wrapf(err, "Invalid subagent path: %s", name)
		}

		body := raw[name]
		if body != "" && !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		if err := os.WriteFile(target, []byte(body), 0o644); err != nil {
			return nil, errors.MarkWrapf(err, errors.ErrStagingIO, "Failed to stage subagent %s", name)
		}
		staged[name] = target
	}

	s.logger.Infow("timing",
		logger.FieldStep, "subagent_stage_total",
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
		logger.FieldUserID, userID,
		logger.FieldSessionID, sessionID,
		"raw_agents_requested", len(raw),
		"raw_agents_staged", len(staged),
		"raw_agents_removed", removed)
	return staged, nil
}

func (s *SubAgentStager) clean(root string) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		s.logger.Warnw("Failed to list agents directory", logger.FieldPath, root, logger.FieldError, err)
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		if err := os.Remove(filepath.Join(root, e.Name())); err != nil {
			s.logger.Warnw("Failed to remove staged subagent", logger.FieldPath, e.Name(), logger.FieldError, err)
			continue
		}
		removed++
	}
	return removed
}
