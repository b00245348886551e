// Package builtin assembles the per-run tool registry from the policy's
// capability flags.
package builtin

import (
	"log/slog"

	"github.com/jkaninda/overseer/internal/llm"
	"github.com/jkaninda/overseer/internal/sandbox"
	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/tools"
	"github.com/jkaninda/overseer/internal/tools/code"
	"github.com/jkaninda/overseer/internal/tools/file"
	"github.com/jkaninda/overseer/internal/tools/shell"
)

// Config holds settings shared by every run.
type Config struct {
	Languages        []string
	MaxFileSizeBytes int64
}

// Toolset builds registries for runs.
type Toolset struct {
	sandbox sandbox.Sandbox
	config  Config
	logger  *slog.Logger
}

// New creates a Toolset executing through sbx.
func New(sbx sandbox.Sandbox, cfg Config, logger *slog.Logger) *Toolset {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolset{sandbox: sbx, config: cfg, logger: logger}
}

// ForRun returns a registry exposing only the tools the policy enables.
// A policy with every capability off yields an empty registry.
func (ts *Toolset) ForRun(policy security.SandboxPolicy, env map[string]string) llm.ToolRunner {
	return ts.Registry(policy, env)
}

// Registry is ForRun with the concrete type.
func (ts *Toolset) Registry(policy security.SandboxPolicy, env map[string]string) *tools.Registry {
	reg := tools.NewRegistry(ts.logger)
	fc := file.Config{Workspace: policy.WorkspacePath, MaxFileSizeBytes: ts.config.MaxFileSizeBytes}
	if policy.AllowFileAccess {
		reg.Register(file.NewReadTool(fc, ts.logger))
		reg.Register(file.NewListTool(fc, ts.logger))
		reg.Register(file.NewWriteTool(fc, ts.logger))
	}
	if policy.AllowShellCommands {
		reg.Register(shell.NewTool(ts.sandbox, policy, env, ts.logger))
	}
	if policy.AllowCodeExecution {
		reg.Register(code.NewTool(ts.sandbox, policy, env, ts.config.Languages, ts.logger))
	}
	return reg
}
