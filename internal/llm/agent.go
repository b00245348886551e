package llm

import (
	"context"

	"github.com/jkaninda/overseer/internal/secrets"
)

// MessageKind tags an AgentMessage.
type MessageKind string

const (
	KindText       MessageKind = "text"
	KindToolUse    MessageKind = "tool_use"
	KindToolResult MessageKind = "tool_result"
	KindResult     MessageKind = "result"
	KindUnknown    MessageKind = "unknown"
)

// AgentMessage is one item of an agent's output stream. Exactly one of the
// payload fields matching Kind is set; KindUnknown carries Raw only.
type AgentMessage struct {
	Kind       MessageKind
	Text       string
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Result     *Result
	Raw        map[string]any
}

// ToolUse is a request by the agent to invoke a tool.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult is the outcome of a tool invocation reported back to the agent.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// Result is the agent's final answer.
type Result struct {
	Output     string `json:"output"`
	Turns      int    `json:"turns"`
	Usage      Usage  `json:"usage"`
	StopReason string `json:"stop_reason"`
}

// Query is everything an agent needs for one run.
type Query struct {
	Prompt       string
	SystemPrompt string
	MaxTurns     int
	Workspace    string
	Env          map[string]string
	Credential   *secrets.Lease
	Tools        ToolRunner
}

// Agent starts agent runs.
type Agent interface {
	Name() string
	Query(ctx context.Context, q *Query) (Stream, error)
}

// Stream yields agent messages one at a time. Next returns io.EOF after the
// last message. Close releases the stream; Next must not be called after it.
type Stream interface {
	Next(ctx context.Context) (AgentMessage, error)
	Close() error
}

// ToolRunner executes tool calls the supervisor has already accepted.
// Failures are reported in the returned ToolResult, not as Go errors.
type ToolRunner interface {
	Definitions() []ToolDefinition
	Run(ctx context.Context, call ToolUse) ToolResult
}
