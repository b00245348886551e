package agent

import (
	"fmt"
	"strings"

	"github.com/jkaninda/overseer/internal/security"
)

// buildSystemPrompt prepends the caller's system message to a description
// of the workspace and of what the agent is allowed to do.
func buildSystemPrompt(systemMessage string, policy security.SandboxPolicy) string {
	var b strings.Builder
	if msg := strings.TrimSpace(systemMessage); msg != "" {
		b.WriteString(msg)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "You are working in the directory %s. ", policy.WorkspacePath)
	b.WriteString("All files you create or read must stay inside it; paths outside it are refused.\n\n")

	b.WriteString("Capabilities:\n")
	fmt.Fprintf(&b, "- File access: %s\n", enabled(policy.AllowFileAccess))
	fmt.Fprintf(&b, "- Code execution: %s\n", enabled(policy.AllowCodeExecution))
	if policy.AllowShellCommands && len(policy.AllowedCommands) > 0 {
		fmt.Fprintf(&b, "- Shell commands: enabled (allowed: %s)\n", strings.Join(policy.AllowedCommands, ", "))
	} else {
		fmt.Fprintf(&b, "- Shell commands: %s\n", enabled(false))
	}
	b.WriteString("\nRequests outside these capabilities end the run.")
	return b.String()
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
