// Package sandbox runs approved tool commands as child processes bound to a
// run's workspace. It is the execution half of the supervisor: the policy
// engine decides whether a command may run, the sandbox only runs it.
//
// This is process hygiene, not OS isolation. Commands see only the
// environment they are handed and are killed as a group on deadline.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a command exceeds its own deadline.
var ErrTimeout = errors.New("sandbox: command timed out")

// Sandbox executes one command.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest describes a single command.
type ExecutionRequest struct {
	// Command is argv; Command[0] is resolved against the request PATH.
	Command []string

	// WorkingDir is the run workspace. Required.
	WorkingDir string

	// Env is the complete process environment. Nothing is inherited from
	// the parent process.
	Env map[string]string

	// Stdin is fed to the process when non-empty.
	Stdin string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the child process.
type ResourceLimits struct {
	MaxCPUSeconds int // ulimit -t
	MaxMemoryMB   int // ulimit -v
}

// ExecutionResult captures the outcome of a command.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// CombinedOutput joins stdout and stderr the way a terminal would show them.
func (r *ExecutionResult) CombinedOutput() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}
