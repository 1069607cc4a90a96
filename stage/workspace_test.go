package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/errors"
)

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"fmt", "my-plugin_2.0", "A.b-C"} {
		assert.NoError(t, ValidateName("plugin", ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "../etc", "a/b", `a\b`, "name with space", "ünïcode"} {
		err := ValidateName("plugin", bad)
		require.Error(t, err, bad)
		assert.True(t, errors.IsValidationError(err), bad)
	}
	assert.Equal(t, "Invalid plugin name: ..", ValidateName("plugin", "..").Error())
}

func TestContained(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "inside"), 0o755))

	assert.NoError(t, Contained(root, filepath.Join(root, "inside")))
	assert.NoError(t, Contained(root, filepath.Join(root, "not", "yet", "created")))

	for _, target := range []string{
		root,
		filepath.Dir(root),
		filepath.Join(root, "..", "sibling"),
		"/etc/passwd",
	} {
		err := Contained(root, target)
		assert.True(t, errors.IsSecurityViolation(err), target)
	}
}

func TestContainedFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	err := Contained(root, filepath.Join(link, "payload"))
	assert.True(t, errors.IsSecurityViolation(err))
}

func TestWorkspaceLayout(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}

	session, err := ws.SessionDir("u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root, "u1", "s1"), session)
	assert.DirExists(t, session)

	plugins, err := ws.PluginsRoot("u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(session, "workspace", ".claude_data", "plugins"), plugins)
	assert.DirExists(t, plugins)

	agents, err := ws.AgentsRoot("u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(session, "workspace", ".claude_data", "agents"), agents)

	_, err = ws.SessionDir("..", "s1")
	assert.True(t, errors.IsValidationError(err))
	_, err = ws.SessionDir("u1", "a/b")
	assert.True(t, errors.IsValidationError(err))
	_, err = Workspace{}.SessionDir("u1", "s1")
	assert.True(t, errors.IsValidationError(err))
}
