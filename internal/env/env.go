// Package env composes child process environments: the server's own
// environment is the base, and per-source overrides from the descriptor are
// applied on top.
package env

import (
	"os"
	"strings"
)

// Compose returns the environment for a source's child process in "K=V"
// form. Overlay entries override inherited variables of the same name.
// Values may reference other variables as ${NAME}; references resolve in a
// single pass against the composed set, so chains do not recurse, and
// unknown names are left as written for the child's shell to deal with.
func Compose(overlay []string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := splitKV(kv); ok {
			merged[k] = v
		}
	}
	for _, kv := range overlay {
		if k, v, ok := splitKV(kv); ok {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+expand(v, merged))
	}
	return out
}

// splitKV splits one "K=V" entry. Entries without '=' or with an empty key
// are dropped rather than passed through malformed.
func splitKV(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range vars {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
