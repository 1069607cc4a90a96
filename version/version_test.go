package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{Version: "v0.3.1", CommitHash: "0123456789abcdef", BuildTime: "2026-01-02T03:04:05Z"}
	assert.Equal(t, "agentpulse v0.3.1 (commit 0123456, built 2026-01-02T03:04:05Z)", info.String())

	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "agentpulse/"+Version))
}
