package source

import (
	"os/exec"
	"strings"
)

// shellMeta are the characters that force a command line under /bin/sh -c.
const shellMeta = "|&;<>*?`$\"'(){}[]~"

// BuildCommand constructs an *exec.Cmd for a descriptor's command string.
// It avoids invoking a shell when not necessary, and it respects an explicit
// shell invocation already present in the command (e.g. "sh -c 'tail -F x'"),
// avoiding double-wrapping with another shell.
func BuildCommand(command string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	// If the command already explicitly uses a shell, honor it without adding
	// another layer.
	if shell, script, ok := parseExplicitShell(cmdStr); ok {
		// Always use an absolute shell path to avoid PATH dependency.
		// #nosec G204
		return exec.Command(shell, "-c", script)
	}
	// Fallback: when metacharacters are present, use /bin/sh -c.
	if strings.ContainsAny(cmdStr, shellMeta) {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// ok: descriptors come from the operator's own config file
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "bash -c <ARG>"
// (bare or absolute) at the beginning of cmdStr. It returns the shell to run
// and the script after "-c" when matched. A single wrapping quote pair is
// stripped so that the shell receives the actual script (the outer quotes
// would otherwise inhibit parsing/redirection inside it).
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []struct {
		prefix string
		shell  string
	}{
		{"sh -c ", "/bin/sh"},
		{"/bin/sh -c ", "/bin/sh"},
		{"/usr/bin/sh -c ", "/bin/sh"},
		{"bash -c ", "/bin/bash"},
		{"/bin/bash -c ", "/bin/bash"},
		{"/usr/bin/bash -c ", "/bin/bash"},
	}
	for _, c := range candidates {
		if !strings.HasPrefix(trim, c.prefix) {
			continue
		}
		script := trim[len(c.prefix):]
		if n := len(script); n >= 2 {
			if (script[0] == '\'' && script[n-1] == '\'') || (script[0] == '"' && script[n-1] == '"') {
				script = script[1 : n-1]
			}
		}
		return c.shell, script, true
	}
	return "", "", false
}
