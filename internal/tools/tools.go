// Package tools defines the tools an agent may call and the registry that
// serves them to the tool-use loop. A registry is built per run, bound to
// that run's workspace and policy.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jkaninda/overseer/internal/llm"
	"github.com/jkaninda/overseer/internal/security"
)

// Tool is implemented by every built-in tool.
type Tool interface {
	// Name returns the identifier the model calls the tool by (e.g. "bash").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns the JSON Schema of the tool's parameters.
	InputSchema() map[string]any

	// Kind is the capability class the policy gates the tool by.
	Kind() security.ToolKind

	// Validate checks that params are well-formed before Execute runs.
	Validate(params map[string]any) error

	// Execute runs the tool.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes caps what a tool returns to the model.
const MaxOutputBytes = 64 << 10

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// RequireString extracts a required non-empty string parameter.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// Registry holds the tools of one run keyed by name. It implements
// llm.ToolRunner.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool. Panics on duplicate names (programming error).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns the registered tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions describes every registered tool to the model, sorted by name
// so the request body is stable across turns.
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := r.List()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.Get(name)
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Run executes an accepted tool call. Every failure is reported to the
// model as an error result.
func (r *Registry) Run(ctx context.Context, call llm.ToolUse) llm.ToolResult {
	res := llm.ToolResult{ToolUseID: call.ID}
	t := r.Get(call.Name)
	if t == nil {
		res.Content = fmt.Sprintf("unknown tool %q", call.Name)
		res.IsError = true
		return res
	}
	params := call.Input
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		res.Content = "invalid input: " + err.Error()
		res.IsError = true
		return res
	}
	out, err := t.Execute(ctx, params)
	if err != nil {
		r.logger.WarnContext(ctx, "tool failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		res.Content = err.Error()
		res.IsError = true
		return res
	}
	res.Content = TruncateOutput(out.Output, MaxOutputBytes)
	res.IsError = !out.Success
	return res
}
