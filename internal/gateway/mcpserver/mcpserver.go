// Package mcpserver exposes the execution supervisor as an MCP tool over stdio,
// so an MCP client can delegate a task to a supervised agent run.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/overseer/internal/agent"
	"github.com/jkaninda/overseer/internal/config"
	"github.com/jkaninda/overseer/internal/gateway"
	"github.com/jkaninda/overseer/internal/observability"
)

// ToolRunAgent is the name of the single tool the server registers.
const ToolRunAgent = "run_agent"

const mcpActor = "mcp-client"

// Config configures the MCP gateway.
type Config struct {
	Name  string // Server name reported to clients. Default: "overseer".
	Agent config.AgentOptions
}

// Gateway serves the run_agent tool over stdio.
type Gateway struct {
	config Config
	runner gateway.Runner
	server *server.MCPServer
	logger *slog.Logger
}

// NewGateway creates the MCP server and registers its tool.
func NewGateway(cfg Config, runner gateway.Runner, logger *slog.Logger) *Gateway {
	if cfg.Name == "" {
		cfg.Name = "overseer"
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config: cfg,
		runner: runner,
		logger: logger,
		server: server.NewMCPServer(
			cfg.Name,
			observability.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	g.registerTools()
	return g
}

func (g *Gateway) registerTools() {
	tool := mcp.NewTool(ToolRunAgent,
		mcp.WithDescription("Run prompts through a supervised coding agent in a throwaway workspace. "+
			"Returns one result per prompt."),
		mcp.WithArray("prompts",
			mcp.Required(),
			mcp.Description("Instructions for the agent, one run per entry"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithObject("options",
			mcp.Description("Overrides for the configured agent options (maxTurns, timeoutMs, enableBashCommands, ...)"),
		),
	)
	g.server.AddTool(tool, g.handleRunAgent)
}

// Start serves MCP over stdio until the client disconnects.
func (g *Gateway) Start(_ context.Context) error {
	g.logger.Info("mcp gateway starting", slog.String("transport", "stdio"))
	return server.ServeStdio(g.server)
}

// Stop is a no-op; the stdio transport ends when the client closes stdin.
func (g *Gateway) Stop(_ context.Context) error {
	return nil
}

func (g *Gateway) handleRunAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	prompts, err := stringSlice(args["prompts"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(prompts) == 0 {
		return mcp.NewToolResultError("prompts is required"), nil
	}

	var overrides *config.AgentOverrides
	if raw, ok := args["options"]; ok && raw != nil {
		overrides = &config.AgentOverrides{}
		if err := remarshal(raw, overrides); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid options: %v", err)), nil
		}
	}

	opts := agent.Options{
		AgentOptions: overrides.Apply(g.config.Agent),
		WorkflowID:   uuid.NewString(),
		ExecutionID:  uuid.NewString(),
		Actor:        mcpActor,
	}
	items := make([]agent.Item, len(prompts))
	for i, p := range prompts {
		items[i] = agent.Item{Prompt: p}
	}

	g.logger.Info("mcp run",
		slog.String("workflow_id", opts.WorkflowID),
		slog.Int("items", len(items)),
	)

	results, err := g.runner.Run(ctx, items, opts)
	if err != nil {
		g.logger.Warn("run failed",
			slog.String("workflow_id", opts.WorkflowID),
			slog.String("error", err.Error()),
		)
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.Marshal(results)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("prompts must be an array of strings")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("prompts must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
