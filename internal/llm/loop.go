package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const defaultMaxTurns = 10

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("llm: stream closed")

// ToolLoop runs the classic tool-use loop against a Provider and exposes it
// as an Agent. Each model response is split into text and tool_use messages.
// A tool_use is executed only when the consumer asks for the next message,
// so a consumer that rejects a tool use and stops reading prevents it from
// ever running.
type ToolLoop struct {
	provider  Provider
	maxTokens int
	logger    *slog.Logger
}

// NewToolLoop wraps a provider.
func NewToolLoop(provider Provider, maxTokens int, logger *slog.Logger) *ToolLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolLoop{provider: provider, maxTokens: maxTokens, logger: logger}
}

func (l *ToolLoop) Name() string { return l.provider.Name() }

// Query starts a run. The returned stream holds q for its lifetime.
func (l *ToolLoop) Query(_ context.Context, q *Query) (Stream, error) {
	if q == nil || strings.TrimSpace(q.Prompt) == "" {
		return nil, errors.New("llm: empty prompt")
	}
	maxTurns := q.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	s := &loopStream{
		loop:     l,
		query:    q,
		maxTurns: maxTurns,
		conv:     []Message{{Role: RoleUser, Content: q.Prompt}},
	}
	if q.Tools != nil {
		s.defs = q.Tools.Definitions()
	}
	return s, nil
}

// step is either a message to emit or a tool call to run then report.
type step struct {
	msg  AgentMessage
	call *ToolUse
}

type loopStream struct {
	loop     *ToolLoop
	query    *Query
	maxTurns int
	defs     []ToolDefinition

	mu       sync.Mutex
	conv     []Message
	pending  []step
	results  []ContentBlock
	turns    int
	usage    Usage
	lastText string
	done     bool
	closed   bool
}

func (s *loopStream) Next(ctx context.Context) (AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return AgentMessage{}, ErrStreamClosed
		}
		if err := ctx.Err(); err != nil {
			return AgentMessage{}, err
		}
		if len(s.pending) > 0 {
			st := s.pending[0]
			s.pending = s.pending[1:]
			if st.call == nil {
				return st.msg, nil
			}
			return s.runTool(ctx, *st.call), nil
		}
		if s.done {
			return AgentMessage{}, io.EOF
		}
		if len(s.results) > 0 {
			s.conv = append(s.conv, Message{Role: RoleUser, ContentBlocks: s.results})
			s.results = nil
		}
		if s.turns >= s.maxTurns {
			s.done = true
			return s.result(StopMaxTurns), nil
		}
		if err := s.turn(ctx); err != nil {
			return AgentMessage{}, err
		}
	}
}

// turn sends the conversation and queues the response's messages.
func (s *loopStream) turn(ctx context.Context) error {
	resp, err := s.loop.provider.SendMessage(ctx, &Request{
		SystemPrompt: s.query.SystemPrompt,
		Messages:     s.conv,
		MaxTokens:    s.loop.maxTokens,
		Tools:        s.defs,
		Credential:   s.query.Credential,
	})
	if err != nil {
		return fmt.Errorf("%s turn %d: %w", s.loop.provider.Name(), s.turns+1, err)
	}
	s.turns++
	s.usage.Add(resp.Usage)
	s.conv = append(s.conv, Message{Role: RoleAssistant, ContentBlocks: resp.ContentBlocks})

	hasToolUse := false
	for _, b := range resp.ContentBlocks {
		switch b.Type {
		case BlockText:
			s.pending = append(s.pending, step{msg: AgentMessage{Kind: KindText, Text: b.Text}})
		case BlockToolUse:
			hasToolUse = true
			call := &ToolUse{ID: b.ID, Name: b.Name, Input: b.Input}
			s.pending = append(s.pending,
				step{msg: AgentMessage{Kind: KindToolUse, ToolUse: call}},
				step{call: call},
			)
		default:
			s.pending = append(s.pending, step{msg: AgentMessage{Kind: KindUnknown, Raw: b.Raw}})
		}
	}
	if resp.Content != "" {
		s.lastText = resp.Content
	}

	s.loop.logger.DebugContext(ctx, "agent turn completed",
		slog.Int("turn", s.turns),
		slog.String("stop_reason", resp.StopReason),
		slog.Int("blocks", len(resp.ContentBlocks)),
	)

	if !hasToolUse {
		s.done = true
		stop := resp.StopReason
		if stop == "" {
			stop = StopEndTurn
		}
		s.pending = append(s.pending, step{msg: s.result(stop)})
	}
	return nil
}

func (s *loopStream) runTool(ctx context.Context, call ToolUse) AgentMessage {
	var res ToolResult
	if s.query.Tools == nil {
		res = ToolResult{ToolUseID: call.ID, Content: "no tools are available", IsError: true}
	} else {
		res = s.query.Tools.Run(ctx, call)
		res.ToolUseID = call.ID
	}
	s.results = append(s.results, ToolResultBlock(res.ToolUseID, res.Content, res.IsError))
	return AgentMessage{Kind: KindToolResult, ToolResult: &res}
}

func (s *loopStream) result(stop string) AgentMessage {
	return AgentMessage{Kind: KindResult, Result: &Result{
		Output:     s.lastText,
		Turns:      s.turns,
		Usage:      s.usage,
		StopReason: stop,
	}}
}

func (s *loopStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	s.results = nil
	return nil
}
