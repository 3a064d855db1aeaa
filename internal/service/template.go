package service

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([a-z]+(?:\.[A-Za-z0-9_.-]+)?)\}`)

// Vars is the per-job substitution context for declarative request templates.
type Vars struct {
	File    string
	Config  map[string]any
	Creds   map[string]string
	Session map[string]string
}

// expand substitutes {file}, {file.name}, {file.ext}, {config.*}, {creds.*}
// and {session.*} placeholders. Missing config keys expand to "" (settings are
// optional, the front end only sends what the user changed); missing creds or
// session keys are errors, since a request that needs them cannot succeed
// without them.
func expand(tmpl string, v Vars) (string, error) {
	var expandErr error
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		val, err := resolve(key, v)
		if err != nil && expandErr == nil {
			expandErr = err
		}
		return val
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

func resolve(key string, v Vars) (string, error) {
	switch key {
	case "file":
		return v.File, nil
	case "file.name":
		return filepath.Base(v.File), nil
	case "file.ext":
		return strings.TrimPrefix(filepath.Ext(v.File), "."), nil
	}

	scope, name, ok := strings.Cut(key, ".")
	if !ok {
		return "", fmt.Errorf("unknown placeholder {%s}", key)
	}
	switch scope {
	case "config":
		if val, ok := v.Config[name]; ok {
			return fmt.Sprint(val), nil
		}
		return "", nil
	case "creds":
		if val, ok := v.Creds[name]; ok {
			return val, nil
		}
		return "", fmt.Errorf("missing credential %q", name)
	case "session":
		if val, ok := v.Session[name]; ok {
			return val, nil
		}
		return "", fmt.Errorf("missing session value %q", name)
	default:
		return "", fmt.Errorf("unknown placeholder {%s}", key)
	}
}
