package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Audit actions emitted by the supervisor.
const (
	ActionRunInitialized     = "run.initialized"
	ActionRunStarted         = "run.started"
	ActionToolInvoked        = "tool.invoked"
	ActionRunCompleted       = "run.completed"
	ActionRunFailed          = "run.failed"
	ActionWorkspaceCreated   = "workspace.created"
	ActionWorkspaceDestroyed = "workspace.destroyed"
)

// AuditEvent is a single entry in the append-only audit trail.
// Events are never mutated once recorded.
type AuditEvent struct {
	Sequence    uint64         `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	Action      string         `json:"action"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	Actor       string         `json:"actor"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// AuditSink receives recorded events. Implementations must be safe for
// concurrent use; a returned error is logged and otherwise ignored.
type AuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
}

// AuditRecorder stamps events and fans them out to every sink.
// Record never fails: a broken sink must not interrupt a run.
type AuditRecorder struct {
	sinks  []AuditSink
	seq    atomic.Uint64
	now    func() time.Time
	logger *slog.Logger
}

// NewAuditRecorder creates a recorder writing to the given sinks in order.
func NewAuditRecorder(logger *slog.Logger, sinks ...AuditSink) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecorder{
		sinks:  sinks,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Record appends one event. The detail map is copied so later changes by
// the caller cannot alter what was recorded.
func (r *AuditRecorder) Record(ctx context.Context, action, workflowID, executionID, actor string, detail map[string]any) {
	if r == nil {
		return
	}
	var copied map[string]any
	if len(detail) > 0 {
		copied = make(map[string]any, len(detail))
		for k, v := range detail {
			copied[k] = v
		}
	}
	event := AuditEvent{
		Sequence:    r.seq.Add(1),
		Timestamp:   r.now(),
		Action:      action,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Actor:       actor,
		Detail:      copied,
	}
	for _, sink := range r.sinks {
		if err := sink.Append(ctx, event); err != nil {
			r.logger.WarnContext(ctx, "audit sink failed",
				slog.String("action", action),
				slog.String("error", err.Error()),
			)
		}
	}
}

// LogSink writes each event as a structured log record, suitable for
// collection by an external log aggregator.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs events at Info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(ctx context.Context, event AuditEvent) error {
	s.logger.InfoContext(ctx, "audit",
		slog.Uint64("seq", event.Sequence),
		slog.String("action", event.Action),
		slog.String("workflow_id", event.WorkflowID),
		slog.String("execution_id", event.ExecutionID),
		slog.String("actor", event.Actor),
		slog.Any("detail", event.Detail),
	)
	return nil
}

// FileSink writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the audit log in append-only mode with
// owner-only permissions.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

// Append serializes the event outside the lock; only the write is serialized.
func (s *FileSink) Append(_ context.Context, event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, err = s.file.Write(data)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemorySink keeps events in emission order.
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Append(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns a snapshot of the recorded events.
func (s *MemorySink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

// Filter returns the recorded events with the given action.
func (s *MemorySink) Filter(action string) []AuditEvent {
	var out []AuditEvent
	for _, e := range s.Events() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
