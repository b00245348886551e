// Package code implements the execute_code tool. Source is piped to the
// interpreter on stdin so nothing is written to the workspace.
package code

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jkaninda/overseer/internal/sandbox"
	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/tools"
)

// interpreters maps language names to an argv that reads a program from stdin.
var interpreters = map[string][]string{
	"python3":    {"python3", "-"},
	"python":     {"python3", "-"},
	"node":       {"node", "-"},
	"javascript": {"node", "-"},
	"sh":         {"sh", "-s"},
}

// DefaultLanguages is used when no languages are configured.
var DefaultLanguages = []string{"python3", "node"}

// Tool executes code snippets inside a sandbox.
type Tool struct {
	sandbox sandbox.Sandbox
	policy  security.SandboxPolicy
	env     map[string]string
	logger  *slog.Logger
	allowed map[string]bool
}

// NewTool creates a code execution tool for one run.
func NewTool(sbx sandbox.Sandbox, policy security.SandboxPolicy, env map[string]string, languages []string, logger *slog.Logger) *Tool {
	if len(languages) == 0 {
		languages = DefaultLanguages
	}
	allowed := make(map[string]bool, len(languages))
	for _, lang := range languages {
		allowed[lang] = true
	}
	return &Tool{sandbox: sbx, policy: policy, env: env, logger: logger, allowed: allowed}
}

func (t *Tool) Name() string            { return "execute_code" }
func (t *Tool) Kind() security.ToolKind { return security.ToolCodeExec }
func (t *Tool) Description() string {
	return "Execute a code snippet in the workspace and return its output"
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"language": map[string]any{"type": "string", "enum": t.languages(), "description": "Programming language"},
			"code":     map[string]any{"type": "string", "description": "The source code to execute"},
		},
		"required": []string{"language", "code"},
	}
}

func (t *Tool) languages() []string {
	out := make([]string, 0, len(t.allowed))
	for lang := range t.allowed {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func (t *Tool) Validate(params map[string]any) error {
	lang, err := tools.RequireString(params, "language")
	if err != nil {
		return err
	}
	if !t.allowed[lang] {
		return fmt.Errorf("language %q is not allowed; permitted: %v", lang, t.languages())
	}
	if _, ok := interpreters[lang]; !ok {
		return fmt.Errorf("no interpreter configured for language %q", lang)
	}
	_, err = tools.RequireString(params, "code")
	return err
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	if err := t.Validate(params); err != nil {
		return nil, err
	}
	lang, _ := tools.RequireString(params, "language")
	src, _ := tools.RequireString(params, "code")

	t.logger.InfoContext(ctx, "execute_code executing",
		slog.String("language", lang),
		slog.Int("code_size", len(src)),
	)

	result, err := t.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    interpreters[lang],
		WorkingDir: t.policy.WorkspacePath,
		Env:        t.env,
		Stdin:      src,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}
	return &tools.Result{
		Output:  result.CombinedOutput(),
		Success: result.ExitCode == 0,
		Metadata: map[string]any{
			"language":  lang,
			"exit_code": result.ExitCode,
			"duration":  result.Duration.String(),
		},
	}, nil
}
