// Package shell implements the bash tool. Commands run through the sandbox
// inside the run workspace, never directly on the host.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/overseer/internal/sandbox"
	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/tools"
)

// Tool executes shell commands inside a sandbox.
type Tool struct {
	sandbox sandbox.Sandbox
	policy  security.SandboxPolicy
	env     map[string]string
	logger  *slog.Logger
}

// NewTool creates a bash tool bound to one run's policy and environment.
func NewTool(sbx sandbox.Sandbox, policy security.SandboxPolicy, env map[string]string, logger *slog.Logger) *Tool {
	return &Tool{sandbox: sbx, policy: policy, env: env, logger: logger}
}

func (t *Tool) Name() string            { return "bash" }
func (t *Tool) Kind() security.ToolKind { return security.ToolShell }
func (t *Tool) Description() string {
	return "Run a shell command in the workspace. Only allowlisted programs may be invoked."
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to execute"},
			"timeout": map[string]any{"type": "string", "description": "Duration string (e.g. '10s', '1m'), overrides default timeout"},
		},
		"required": []string{"command"},
	}
}

// Validate checks params and applies the command filter again, so the tool
// cannot run a command the policy rejects even if called directly.
func (t *Tool) Validate(params map[string]any) error {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return err
	}
	if timeout, ok := params["timeout"].(string); ok && timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
	}
	if _, reason, ok := security.FilterCommandReason(command, t.policy); !ok {
		return fmt.Errorf("%w: %s", security.ErrCommandBlocked, reason)
	}
	return nil
}

// Execute runs the command through the sandbox.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return nil, err
	}
	req := sandbox.ExecutionRequest{
		// The outer sh applies resource limits; this one interprets the
		// command string (pipes, redirects).
		Command:    []string{"sh", "-c", command},
		WorkingDir: t.policy.WorkspacePath,
		Env:        t.env,
	}
	if timeout, ok := params["timeout"].(string); ok && timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		req.Timeout = d
	}

	t.logger.InfoContext(ctx, "bash tool executing", slog.String("command", command))

	result, err := t.sandbox.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}
	return &tools.Result{
		Output:  result.CombinedOutput(),
		Success: result.ExitCode == 0,
		Metadata: map[string]any{
			"exit_code": result.ExitCode,
			"duration":  result.Duration.String(),
			"truncated": result.Truncated,
		},
	}, nil
}
