// Package security implements the supervision policy for agent runs:
// path containment, command filtering, capability gating, the sanitized
// process environment and the append-only audit trail.
//
// Everything here is a best-effort filter, not an isolation boundary.
// Symlink traversal, command substitution ($(...), backticks) and encoded
// payloads can evade pattern matching. Callers that need real isolation
// must run the agent inside a container or VM.
package security

import (
	"errors"
	"fmt"
)

// Sentinel errors for supervision failures. Every failure surfaced by the
// supervisor wraps exactly one of these so callers can classify with errors.Is.
var (
	ErrInvalidConfiguration    = errors.New("invalid configuration")
	ErrForbiddenPath           = errors.New("forbidden path")
	ErrWorkspaceCreationFailed = errors.New("workspace creation failed")
	ErrMissingInput            = errors.New("missing input")
	ErrCommandBlocked          = errors.New("command blocked")
	ErrExecutionTimeout        = errors.New("execution timeout")
	ErrUpstreamStream          = errors.New("upstream stream error")
	ErrCredentialMissing       = errors.New("credential missing")
)

// ItemError attaches the batch position of the input item that failed.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// ToolKind classifies an agent tool invocation by the capability it needs.
type ToolKind int

const (
	ToolOther     ToolKind = iota // Tools that need no gated capability.
	ToolShell                     // Shell command execution.
	ToolFileRead                  // Reading or listing files.
	ToolFileWrite                 // Creating or modifying files.
	ToolCodeExec                  // Running source code through an interpreter.
)

func (k ToolKind) String() string {
	switch k {
	case ToolShell:
		return "shell"
	case ToolFileRead:
		return "file-read"
	case ToolFileWrite:
		return "file-write"
	case ToolCodeExec:
		return "code-exec"
	default:
		return "other"
	}
}

// toolKinds maps the tool names emitted by agent backends to their kind.
// Names not listed here are treated as ToolOther.
var toolKinds = map[string]ToolKind{
	"Bash":         ToolShell,
	"bash":         ToolShell,
	"shell":        ToolShell,
	"shell_exec":   ToolShell,
	"BashOutput":   ToolShell,
	"KillShell":    ToolShell,
	"Read":         ToolFileRead,
	"read_file":    ToolFileRead,
	"file_read":    ToolFileRead,
	"Glob":         ToolFileRead,
	"Grep":         ToolFileRead,
	"LS":           ToolFileRead,
	"list_files":   ToolFileRead,
	"Write":        ToolFileWrite,
	"Edit":         ToolFileWrite,
	"MultiEdit":    ToolFileWrite,
	"NotebookEdit": ToolFileWrite,
	"write_file":   ToolFileWrite,
	"file_write":   ToolFileWrite,
	"execute_code": ToolCodeExec,
	"code_exec":    ToolCodeExec,
}

// shellControlTools act on shells already started by a filtered command and
// carry no command of their own.
var shellControlTools = map[string]bool{
	"BashOutput": true,
	"KillShell":  true,
}

// ClassifyTool returns the kind of the named tool.
func ClassifyTool(name string) ToolKind {
	return toolKinds[name]
}

// CarriesCommand reports whether the named shell tool submits a command line
// that must pass FilterCommand.
func CarriesCommand(name string) bool {
	return toolKinds[name] == ToolShell && !shellControlTools[name]
}
