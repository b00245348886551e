package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/overseer/internal/agent"
	"github.com/jkaninda/overseer/internal/config"
	"github.com/jkaninda/overseer/internal/security"
)

type fakeRunner struct {
	items []agent.Item
	opts  agent.Options
	err   error
}

func (f *fakeRunner) Run(_ context.Context, items []agent.Item, opts agent.Options) ([]agent.Output, error) {
	f.items, f.opts = items, opts
	if f.err != nil {
		return nil, f.err
	}
	out := make([]agent.Output, len(items))
	for i, it := range items {
		out[i] = agent.Output{Summary: &agent.Summary{Output: "did " + it.Prompt, Workspace: "/tmp/ws"}}
	}
	return out, nil
}

func call(t *testing.T, g *Gateway, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	request := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      ToolRunAgent,
			Arguments: args,
		},
	}
	result, err := g.handleRunAgent(context.Background(), request)
	if err != nil {
		t.Fatalf("handleRunAgent: %v", err)
	}
	return result
}

func text(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func newTestGateway(r *fakeRunner) *Gateway {
	return NewGateway(Config{Agent: config.DefaultAgentOptions()}, r, slog.Default())
}

func TestRunAgent(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestGateway(runner)

	result := call(t, g, map[string]any{
		"prompts": []any{"build", "test"},
		"options": map[string]any{"maxTurns": 4, "enableFileAccess": true},
	})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", text(t, result))
	}

	var outputs []map[string]any
	if err := json.Unmarshal([]byte(text(t, result)), &outputs); err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 2 || outputs[1]["output"] != "did test" {
		t.Errorf("outputs = %v", outputs)
	}
	if runner.opts.MaxTurns != 4 || !runner.opts.EnableFileAccess {
		t.Errorf("overrides not applied: %+v", runner.opts.AgentOptions)
	}
	if runner.opts.Actor != mcpActor || runner.opts.WorkflowID == "" {
		t.Errorf("labels = %q %q", runner.opts.Actor, runner.opts.WorkflowID)
	}
}

func TestRunAgentRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing prompts", map[string]any{}, "prompts"},
		{"empty prompts", map[string]any{"prompts": []any{}}, "prompts is required"},
		{"non-string prompt", map[string]any{"prompts": []any{42}}, "array of strings"},
		{"bad options", map[string]any{"prompts": []any{"x"}, "options": map[string]any{"maxTurns": "many"}}, "invalid options"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			result := call(t, newTestGateway(runner), tc.args)
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if got := text(t, result); !strings.Contains(got, tc.want) {
				t.Errorf("error = %q, want mention of %q", got, tc.want)
			}
			if runner.items != nil {
				t.Error("runner called for invalid input")
			}
		})
	}
}

func TestRunAgentSurfacesRunError(t *testing.T) {
	runErr := &security.ItemError{Index: 0, Err: fmt.Errorf("%w: %q (sudo)", security.ErrCommandBlocked, "sudo ls")}
	result := call(t, newTestGateway(&fakeRunner{err: runErr}), map[string]any{"prompts": []any{"x"}})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if got := text(t, result); !strings.Contains(got, "command blocked") {
		t.Errorf("error = %q", got)
	}
}

func TestNewGatewayNilLogger(t *testing.T) {
	g := NewGateway(Config{Agent: config.DefaultAgentOptions()}, &fakeRunner{err: security.ErrUpstreamStream}, nil)
	if g.logger == nil {
		t.Fatal("logger not defaulted")
	}
	if result := call(t, g, map[string]any{"prompts": []any{"x"}}); !result.IsError {
		t.Error("expected error result")
	}
}
