// Package agent supervises agent runs: it binds each batch to a workspace,
// streams the agent's messages through the policy engine, races the stream
// against a deadline and shapes the result.
package agent

import (
	"encoding/json"

	"github.com/jkaninda/overseer/internal/config"
)

// Item is one logical run: a free-text instruction.
type Item struct {
	Prompt string `json:"prompt"`
}

// Options configures a batch.
type Options struct {
	config.AgentOptions

	// WorkflowID and ExecutionID label the batch in the audit trail and the
	// default workspace path. Generated when empty.
	WorkflowID  string
	ExecutionID string

	// Actor is recorded on every audit event. Default: "agent".
	Actor string
}

// Summary is the compact per-item result.
type Summary struct {
	Output    string `json:"output"`
	Workspace string `json:"workspace"`
}

// Failure is the per-item error record produced under continue-on-fail.
type Failure struct {
	Error     string `json:"error"`
	ItemIndex int    `json:"itemIndex"`
}

// Output is the result of one item. Exactly one field is set.
type Output struct {
	Entries []Entry
	Summary *Summary
	Failure *Failure
}

// MarshalJSON renders the set variant: an entry array, a summary object or
// a failure object.
func (o Output) MarshalJSON() ([]byte, error) {
	switch {
	case o.Failure != nil:
		return json.Marshal(o.Failure)
	case o.Summary != nil:
		return json.Marshal(o.Summary)
	case o.Entries != nil:
		return json.Marshal(o.Entries)
	default:
		return []byte("[]"), nil
	}
}
