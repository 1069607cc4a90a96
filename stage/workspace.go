// Package stage synchronizes plugins and subagent definitions into a session's
// workspace directory.
//
// Staging converges: every call recomputes the desired directory contents from the
// resolved config and removes whatever no longer belongs, so a failed or interrupted
// run is repaired by the next one. Staging the same workspace concurrently is not
// safe; callers serialize per session.
package stage

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName rejects anything that is not a single safe path component
func ValidateName(kind, name string) error {
	if name == "." || name == ".." || !namePattern.MatchString(name) {
		return errors.Validationf("Invalid %s name: %s", kind, name)
	}
	return nil
}

// Workspace lays out per-session directories below Root:
//
//	<root>/<user>/<session>/workspace/.claude_data/plugins/<plugin>/
//	<root>/<user>/<session>/workspace/.claude_data/agents/<agent>.md
type Workspace struct {
	Root string
}

// SessionDir returns (and creates) the directory for one session
func (w Workspace) SessionDir(userID, sessionID string) (string, error) {
	if err := ValidateName("user id", userID); err != nil {
		return "", err
	}
	if err := ValidateName("session id", sessionID); err != nil {
		return "", err
	}
	if strings.TrimSpace(w.Root) == "" {
		return "", errors.Validationf("workspace root is empty")
	}
	dir := filepath.Join(w.Root, userID, sessionID)
	if err := Contained(w.Root, dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return "", errors.MarkWrapf(err, errors.ErrStagingIO, "failed to create session directory")
	}
	return dir, nil
}

func (w Workspace) dataDir(userID, sessionID, name string) (string, error) {
	session, err := w.SessionDir(userID, sessionID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(session, "workspace", ".claude_data", name)
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return "", errors.MarkWrapf(err, errors.ErrStagingIO, "failed to create %s directory", name)
	}
	return dir, nil
}

// PluginsRoot returns (and creates) the session's plugin directory
func (w Workspace) PluginsRoot(userID, sessionID string) (string, error) {
	return w.dataDir(userID, sessionID, "plugins")
}

// AgentsRoot returns (and creates) the session's subagent directory
func (w Workspace) AgentsRoot(userID, sessionID string) (string, error) {
	return w.dataDir(userID, sessionID, "agents")
}

// Contained returns a security violation unless target resolves strictly below root.
// Both paths are canonicalized first, so symlinks pointing out of root are caught.
func Contained(root, target string) error {
	r, err := canonical(root)
	if err != nil {
		return errors.MarkWrapf(err, errors.ErrSecurityViolation, "failed to resolve %s", root)
	}
	t, err := canonical(target)
	if err != nil {
		return errors.MarkWrapf(err, errors.ErrSecurityViolation, "failed to resolve %s", target)
	}
	rel, err := filepath.Rel(r, t)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return errors.SecurityViolationf("path escapes %s: %s", root, target)
	}
	return nil
}

// canonical resolves symlinks in the longest existing prefix of p and appends the rest
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing, rest := abs, ""
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}
