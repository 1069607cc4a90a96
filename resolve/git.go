package resolve

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

var githubHosts = map[string]bool{
	"github.com":     true,
	"www.github.com": true,
}

// gitToken resolves git_token_env_key for repo_url. The token is only released for
// http(s) URLs whose host is exactly github.com or www.github.com; any other host gets
// nothing, even when the key resolves. A GitHub repo whose key is not in env fails
// with ErrEnvVarMissing.
func (r *Resolver) gitToken(cfg Resolved, env map[string]string) (string, error) {
	key := strings.TrimSpace(stringValue(cfg[KeyGitTokenEnvKey]))
	if key == "" {
		return "", nil
	}
	repoURL := strings.TrimSpace(stringValue(cfg[KeyRepoURL]))
	if repoURL == "" {
		return "", nil
	}

	if err := checkGitHost(repoURL); err != nil {
		r.logger.Errorw("Refusing to forward git token",
			logger.FieldKey, key,
			logger.FieldURL, repoURL,
			logger.FieldError, err)
		return "", nil
	}

	token := env[key]
	if token == "" {
		return "", errors.EnvVarMissingf("Env var not found: %s (required for private GitHub repo)", key)
	}
	return token, nil
}

// checkGitHost returns a security violation unless repoURL is an http(s) GitHub URL.
// Userinfo and explicit ports are rejected along with other hosts.
func checkGitHost(repoURL string) error {
	u, err := url.Parse(repoURL)
	if err != nil {
		return errors.SecurityViolationf("unparseable repo URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.SecurityViolationf("repo URL scheme %q is not http(s)", u.Scheme)
	}
	host := strings.ToLower(u.Host)
	if u.User != nil || !githubHosts[host] {
		return errors.SecurityViolationf("repo host %q is not github.com", host)
	}
	return nil
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

// PluginFiles returns the rendered plugin entries
func (r Resolved) PluginFiles() map[string]interface{} {
	return asMap(r[KeyPluginFiles])
}

// RawAgents returns the markdown subagents to stage, by name
func (r Resolved) RawAgents() map[string]string {
	switch v := r[KeySubagentRawAgents].(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for name, body := range v {
			if s, ok := body.(string); ok {
				out[name] = s
			}
		}
		return out
	default:
		return nil
	}
}

// HasRawAgents reports whether subagent markdown was resolved at all
func (r Resolved) HasRawAgents() bool {
	_, ok := r[KeySubagentRawAgents]
	return ok
}

// GitToken returns the forwarded git token, or ""
func (r Resolved) GitToken() string {
	s, _ := r[KeyGitToken].(string)
	return s
}
