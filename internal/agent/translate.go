package agent

import (
	"github.com/jkaninda/overseer/internal/llm"
)

// Entry is the uniform record for one agent message.
type Entry struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Output    string         `json:"output,omitempty"`
	Turns     int            `json:"turns,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// Translate maps an agent message to an Entry. Tool fields are only filled
// when includeDetail is set. Unknown kinds pass through with their raw
// payload.
func Translate(msg llm.AgentMessage, includeDetail bool) Entry {
	switch msg.Kind {
	case llm.KindText:
		return Entry{Type: string(llm.KindText), Content: msg.Text}

	case llm.KindToolUse:
		e := Entry{Type: string(llm.KindToolUse)}
		if includeDetail && msg.ToolUse != nil {
			e.ToolName = msg.ToolUse.Name
			e.ToolInput = msg.ToolUse.Input
			e.ToolUseID = msg.ToolUse.ID
		}
		return e

	case llm.KindToolResult:
		e := Entry{Type: string(llm.KindToolResult)}
		if includeDetail && msg.ToolResult != nil {
			e.Content = msg.ToolResult.Content
			e.ToolUseID = msg.ToolResult.ToolUseID
			e.IsError = msg.ToolResult.IsError
		}
		return e

	case llm.KindResult:
		e := Entry{Type: string(llm.KindResult)}
		if msg.Result != nil {
			e.Output = msg.Result.Output
			e.Turns = msg.Result.Turns
		}
		return e

	default:
		typ := string(llm.KindUnknown)
		if t, ok := msg.Raw["type"].(string); ok && t != "" {
			typ = t
		}
		return Entry{Type: typ, Raw: msg.Raw}
	}
}
