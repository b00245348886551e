package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// SandboxPolicy is the capability grant for one run. It is built once from
// caller configuration before the workspace exists and never mutated after.
type SandboxPolicy struct {
	WorkspacePath      string   `json:"workspace_path"`
	AllowFileAccess    bool     `json:"allow_file_access"`
	AllowCodeExecution bool     `json:"allow_code_execution"`
	AllowShellCommands bool     `json:"allow_shell_commands"`
	AllowedCommands    []string `json:"allowed_commands"`
	TimeoutMs          int      `json:"timeout_ms"`
}

// WithWorkspace returns a copy of the policy bound to the given workspace path.
func (p SandboxPolicy) WithWorkspace(path string) SandboxPolicy {
	p.WorkspacePath = path
	p.AllowedCommands = append([]string(nil), p.AllowedCommands...)
	return p
}

// Summary returns the audit representation of the policy.
func (p SandboxPolicy) Summary() map[string]any {
	return map[string]any{
		"workspace":        p.WorkspacePath,
		"file_access":      p.AllowFileAccess,
		"code_execution":   p.AllowCodeExecution,
		"shell_commands":   p.AllowShellCommands,
		"allowed_commands": strings.Join(p.AllowedCommands, ","),
		"timeout_ms":       p.TimeoutMs,
	}
}

// Rejection reasons reported by FilterCommandReason.
const (
	ReasonShellDisabled  = "shell_disabled"
	ReasonEmptyCommand   = "empty_command"
	ReasonNotAllowlisted = "not_allowlisted"
)

type denyRule struct {
	name    string
	pattern *regexp.Regexp
}

// denyRules are evaluated in order. Any match rejects the command no matter
// what the allowlist says.
var denyRules = []denyRule{
	{"root_deletion", regexp.MustCompile(`\brm\s+(-\S+\s+)*["']?/(\*|\.)?["']?([\s;&|)]|$)`)},
	{"privilege_escalation", regexp.MustCompile(`\bsudo\b`)},
	{"world_writable_chmod", regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*0?777\b`)},
	{"pipe_to_shell", regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`)},
	{"block_device_write", regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|xvd|vd|mmcblk|disk)`)},
	{"filesystem_creation", regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`)},
	{"disk_duplication", regexp.MustCompile(`\bdd\s+if=`)},
	{"fork_bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
}

// IsPathContained reports whether candidate, resolved against the workspace,
// stays at or below it. Relative candidates are joined onto the workspace;
// absolute candidates must already point inside it.
//
// This is a lexical check. A symlink inside the workspace that points
// elsewhere is not detected.
func IsPathContained(candidate, workspace string) bool {
	if candidate == "" || workspace == "" {
		return false
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return false
	}
	resolved := candidate
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	if filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsCommandAllowed reports whether the first whitespace-separated token of
// command is in the allowlist. Comparison is exact and case-sensitive.
func IsCommandAllowed(command string, allowlist []string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, allowed := range allowlist {
		if allowed == fields[0] {
			return true
		}
	}
	return false
}

// FilterCommand returns the command unchanged when the policy permits it.
// The boolean is false when the command must not run.
func FilterCommand(command string, policy SandboxPolicy) (string, bool) {
	out, _, ok := FilterCommandReason(command, policy)
	return out, ok
}

// FilterCommandReason is FilterCommand that also names the rule that
// rejected the command. The reason is empty when the command passes.
func FilterCommandReason(command string, policy SandboxPolicy) (string, string, bool) {
	if !policy.AllowShellCommands {
		return "", ReasonShellDisabled, false
	}
	if strings.TrimSpace(command) == "" {
		return "", ReasonEmptyCommand, false
	}
	for _, rule := range denyRules {
		if rule.pattern.MatchString(command) {
			return "", rule.name, false
		}
	}
	if !IsCommandAllowed(command, policy.AllowedCommands) {
		return "", ReasonNotAllowlisted, false
	}
	return command, "", true
}

// CheckToolAllowed returns nil if the policy grants the capability the tool
// kind needs. Shell tools are only gated here on the capability flag; the
// command itself still goes through FilterCommand.
func CheckToolAllowed(name string, kind ToolKind, policy SandboxPolicy) error {
	switch kind {
	case ToolShell:
		if !policy.AllowShellCommands {
			return fmt.Errorf("%w: tool %q requires shell commands, which are disabled", ErrCommandBlocked, name)
		}
	case ToolFileRead, ToolFileWrite:
		if !policy.AllowFileAccess {
			return fmt.Errorf("%w: tool %q requires file access, which is disabled", ErrCommandBlocked, name)
		}
	case ToolCodeExec:
		if !policy.AllowCodeExecution {
			return fmt.Errorf("%w: tool %q requires code execution, which is disabled", ErrCommandBlocked, name)
		}
	}
	return nil
}

// BuildSandboxedEnvironment returns the complete environment for processes
// spawned inside the workspace. The parent environment is never inherited,
// so API keys and other secrets of the supervisor do not leak.
func BuildSandboxedEnvironment(workspace string) map[string]string {
	return map[string]string{
		"HOME":              workspace,
		"TMPDIR":            workspace,
		"PWD":               workspace,
		"PATH":              "/usr/local/bin:/usr/bin:/bin",
		"SANDBOX_WORKSPACE": workspace,
		"SHELL":             "/bin/sh",
		"USER":              "sandbox",
		"LOGNAME":           "sandbox",
		"LANG":              "en_US.UTF-8",
		"TERM":              "dumb",
	}
}
