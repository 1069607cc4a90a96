package resolve

import (
	"regexp"
	"strings"

	"github.com/teranos/agentpulse/errors"
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnv interpolates ${env:NAME}, ${NAME} and ${NAME:-default} tokens in value.
// Strings, []interface{} and map[string]interface{} (and their string-typed variants)
// are walked recursively; anything else is returned unchanged. A token whose name is
// not in env and has no default fails with ErrEnvVarMissing naming the key.
//
// Substitution is a single pass: text coming from env is never re-expanded.
func ResolveEnv(value interface{}, env map[string]string) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, env)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := ResolveEnv(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			r, err := resolveString(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]interface{}:
		return resolveMap(v, env)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			r, err := resolveString(item, env)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveMap(m map[string]interface{}, env map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, item := range m {
		r, err := ResolveEnv(item, env)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func resolveString(s string, env map[string]string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var missing error
	out := envPattern.ReplaceAllStringFunc(s, func(match string) string {
		if missing != nil {
			return match
		}
		token := match[2 : len(match)-1]

		name, fallback, hasDefault := token, "", false
		if strings.HasPrefix(token, "env:") {
			name = token[len("env:"):]
		} else if i := strings.Index(token, ":-"); i >= 0 {
			name, fallback, hasDefault = token[:i], token[i+2:], true
		}

		if v, ok := env[name]; ok {
			return v
		}
		if hasDefault {
			return fallback
		}
		missing = errors.EnvVarMissingf("Env var not found: %s", name)
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}
