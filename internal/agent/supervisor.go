package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/overseer/internal/llm"
	"github.com/jkaninda/overseer/internal/observability"
	"github.com/jkaninda/overseer/internal/secrets"
	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/workspace"
)

const (
	defaultActor = "agent"

	// streamGrace bounds how long teardown waits for a cancelled stream
	// goroutine to return.
	streamGrace = 100 * time.Millisecond
)

// ToolFactory builds the tools available to one run.
type ToolFactory func(policy security.SandboxPolicy, env map[string]string) llm.ToolRunner

// Supervisor runs batches of agent items under a sandbox policy.
// A Supervisor is safe for concurrent use; each Run gets its own workspace.
type Supervisor struct {
	agent         llm.Agent
	workspaces    *workspace.Manager
	audit         *security.AuditRecorder
	credentials   secrets.Provider
	credentialRef string
	tools         ToolFactory
	metrics       *observability.MetricsCollector
	tracer        trace.Tracer
	logger        *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCredentials sets where the agent backend credential is resolved from.
func WithCredentials(p secrets.Provider, ref string) Option {
	return func(s *Supervisor) {
		s.credentials = p
		s.credentialRef = ref
	}
}

// WithTools sets the per-run tool factory.
func WithTools(f ToolFactory) Option {
	return func(s *Supervisor) { s.tools = f }
}

// WithMetrics records run metrics on m.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithTracer records a span per item.
func WithTracer(t trace.Tracer) Option {
	return func(s *Supervisor) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewSupervisor creates a supervisor driving a.
func NewSupervisor(a llm.Agent, workspaces *workspace.Manager, audit *security.AuditRecorder, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		agent:      a,
		workspaces: workspaces,
		audit:      audit,
		tracer:     noop.NewTracerProvider().Tracer(""),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// batch carries what every item of one Run shares.
type batch struct {
	opts      Options
	workspace *workspace.Context
	policy    security.SandboxPolicy
	env       map[string]string
}

// Run executes items in order inside one workspace that is created before
// the first item and removed after the last, whatever happens in between.
//
// Without ContinueOnFail the first failing item aborts the batch and its
// error, wrapped in a *security.ItemError, is returned together with the
// outputs produced so far. With ContinueOnFail each failure becomes a
// Failure output and the batch goes on.
func (s *Supervisor) Run(ctx context.Context, items []Item, opts Options) ([]Output, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	if s.agent == nil {
		return nil, fmt.Errorf("%w: no agent backend configured", security.ErrUpstreamStream)
	}
	if opts.WorkflowID == "" {
		opts.WorkflowID = uuid.NewString()
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.NewString()
	}
	if opts.Actor == "" {
		opts.Actor = defaultActor
	}

	wc, err := s.workspaces.Create(ctx, opts.WorkspacePath, opts.WorkflowID, opts.ExecutionID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, opts, security.ActionWorkspaceCreated, map[string]any{"path": wc.Path})
	defer func() {
		// Teardown must run even when ctx is already cancelled.
		tctx := context.WithoutCancel(ctx)
		s.workspaces.Destroy(tctx, wc)
		s.record(tctx, opts, security.ActionWorkspaceDestroyed, map[string]any{"path": wc.Path})
	}()

	b := &batch{
		opts:      opts,
		workspace: wc,
		policy:    opts.Policy(wc.Path),
		env:       security.BuildSandboxedEnvironment(wc.Path),
	}
	detail := b.policy.Summary()
	detail["items"] = len(items)
	s.record(ctx, opts, security.ActionRunInitialized, detail)

	outputs := make([]Output, 0, len(items))
	for i, item := range items {
		out, err := s.runItem(ctx, b, i, item)
		if err == nil {
			outputs = append(outputs, out)
			continue
		}
		if !opts.ContinueOnFail || ctx.Err() != nil {
			return outputs, &security.ItemError{Index: i, Err: err}
		}
		outputs = append(outputs, Output{Failure: &Failure{Error: err.Error(), ItemIndex: i}})
	}
	return outputs, nil
}

// runState is owned by the stream goroutine until it reports back.
type runState struct {
	index    int
	entries  []Entry
	result   *llm.Result
	lastText string
	rule     string // Policy rule that blocked the run, if any.
}

func (s *Supervisor) runItem(ctx context.Context, b *batch, index int, item Item) (out Output, err error) {
	opts := b.opts
	ctx, span := s.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("overseer.workflow_id", opts.WorkflowID),
			attribute.String("overseer.execution_id", opts.ExecutionID),
			attribute.Int("overseer.item_index", index),
		))
	defer span.End()

	finish := s.metrics.RunStarted()
	start := time.Now()
	rs := &runState{index: index}
	var rule string // Copied from rs once the stream goroutine has reported.

	defer func() {
		if err == nil {
			finish("completed")
			return
		}
		status := failureKind(err)
		finish(status)
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		detail := map[string]any{"item_index": index, "kind": status}
		if rule != "" {
			detail["rule"] = rule
		}
		s.record(context.WithoutCancel(ctx), opts, security.ActionRunFailed, detail)
		s.logger.WarnContext(ctx, "agent run failed",
			slog.String("workflow_id", opts.WorkflowID),
			slog.Int("item_index", index),
			slog.String("kind", status),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	prompt := strings.TrimSpace(item.Prompt)
	if prompt == "" {
		return Output{}, fmt.Errorf("%w: item %d has an empty prompt", security.ErrMissingInput, index)
	}
	s.record(ctx, opts, security.ActionRunStarted, map[string]any{
		"item_index":    index,
		"prompt_length": len(prompt),
	})

	lease, err := s.acquireCredential(ctx)
	if err != nil {
		return Output{}, err
	}
	defer lease.Release()

	q := &llm.Query{
		Prompt:       prompt,
		SystemPrompt: buildSystemPrompt(opts.SystemMessage, b.policy),
		MaxTurns:     opts.MaxTurns,
		Workspace:    b.workspace.Path,
		Env:          b.env,
		Credential:   lease,
	}
	if s.tools != nil {
		q.Tools = s.tools(b.policy, b.env)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.agent.Query(runCtx, q)
	if err != nil {
		return Output{}, fmt.Errorf("%w: starting %s: %w", security.ErrUpstreamStream, s.agent.Name(), err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.consume(runCtx, b, stream, rs)
	}()

	timer := time.NewTimer(opts.Timeout())
	defer timer.Stop()

	select {
	case err = <-done:
		rule = rs.rule
	case <-timer.C:
		cancel()
		s.awaitStream(ctx, done)
		return Output{}, fmt.Errorf("%w: item %d exceeded %s", security.ErrExecutionTimeout, index, opts.Timeout())
	case <-ctx.Done():
		cancel()
		s.awaitStream(ctx, done)
		return Output{}, fmt.Errorf("%w: item %d: %w", security.ErrUpstreamStream, index, ctx.Err())
	}
	if err != nil {
		return Output{}, err
	}

	output := rs.lastText
	if rs.result != nil {
		output = rs.result.Output
	}
	s.logger.InfoContext(ctx, "agent run completed",
		slog.String("workflow_id", opts.WorkflowID),
		slog.Int("item_index", index),
		slog.Int("output_length", len(output)),
		slog.Duration("duration", time.Since(start)),
	)

	if opts.ReturnIntermediateSteps && opts.EnableStreaming {
		return Output{Entries: rs.entries}, nil
	}
	return Output{Summary: &Summary{Output: output, Workspace: b.workspace.Path}}, nil
}

// consume reads the stream until it ends or a message is rejected. It owns
// the stream and closes it on return.
func (s *Supervisor) consume(ctx context.Context, b *batch, stream llm.Stream, rs *runState) error {
	defer stream.Close()
	keep := b.opts.ReturnIntermediateSteps && b.opts.EnableStreaming

	for {
		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: item %d: %w", security.ErrUpstreamStream, rs.index, err)
		}

		if keep {
			rs.entries = append(rs.entries, Translate(msg, b.opts.ReturnIntermediateSteps))
		}

		switch msg.Kind {
		case llm.KindText:
			rs.lastText = msg.Text
		case llm.KindToolUse:
			if msg.ToolUse == nil {
				continue
			}
			if err := s.inspectToolUse(ctx, b, rs, msg.ToolUse); err != nil {
				return err
			}
		case llm.KindResult:
			if msg.Result == nil {
				continue
			}
			rs.result = msg.Result
			s.record(ctx, b.opts, security.ActionRunCompleted, map[string]any{
				"item_index":    rs.index,
				"output_length": len(msg.Result.Output),
				"turns":         msg.Result.Turns,
				"stop_reason":   msg.Result.StopReason,
			})
		}
	}
}

// inspectToolUse audits a requested tool invocation and decides whether it
// may proceed. A rejection ends the run; the stream is not resumed.
func (s *Supervisor) inspectToolUse(ctx context.Context, b *batch, rs *runState, call *llm.ToolUse) error {
	kind := security.ClassifyTool(call.Name)
	s.metrics.ToolInvoked(call.Name, kind.String())
	s.record(ctx, b.opts, security.ActionToolInvoked, map[string]any{
		"item_index":  rs.index,
		"tool":        call.Name,
		"tool_use_id": call.ID,
		"kind":        kind.String(),
		"input":       call.Input,
	})

	if err := security.CheckToolAllowed(call.Name, kind, b.policy); err != nil {
		rs.rule = "capability_disabled"
		s.metrics.CommandBlocked(rs.rule)
		s.logger.WarnContext(ctx, "tool blocked",
			slog.String("tool", call.Name),
			slog.String("kind", kind.String()),
			slog.String("rule", rs.rule),
		)
		return err
	}

	if !security.CarriesCommand(call.Name) {
		return nil
	}
	command, _ := call.Input["command"].(string)
	if _, rule, ok := security.FilterCommandReason(command, b.policy); !ok {
		rs.rule = rule
		s.metrics.CommandBlocked(rule)
		s.logger.WarnContext(ctx, "command blocked",
			slog.String("tool", call.Name),
			slog.String("rule", rule),
			slog.String("workflow_id", b.opts.WorkflowID),
		)
		return fmt.Errorf("%w: %q (%s)", security.ErrCommandBlocked, command, rule)
	}
	return nil
}

func (s *Supervisor) acquireCredential(ctx context.Context) (*secrets.Lease, error) {
	if s.credentials == nil {
		return nil, fmt.Errorf("%w: no credential provider configured", security.ErrCredentialMissing)
	}
	lease, err := secrets.Acquire(ctx, s.credentials, s.credentialRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", security.ErrCredentialMissing, err)
	}
	return lease, nil
}

// awaitStream gives a cancelled stream goroutine a short grace period so the
// stream is closed before the workspace is removed.
func (s *Supervisor) awaitStream(ctx context.Context, done <-chan error) {
	t := time.NewTimer(streamGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		s.logger.WarnContext(ctx, "agent stream did not stop after cancellation")
	}
}

func (s *Supervisor) record(ctx context.Context, opts Options, action string, detail map[string]any) {
	s.audit.Record(ctx, action, opts.WorkflowID, opts.ExecutionID, opts.Actor, detail)
}

// failureKind names the error class for metrics, spans and audit detail.
func failureKind(err error) string {
	switch {
	case errors.Is(err, security.ErrCommandBlocked):
		return "blocked"
	case errors.Is(err, security.ErrExecutionTimeout):
		return "timeout"
	case errors.Is(err, security.ErrMissingInput):
		return "missing_input"
	case errors.Is(err, security.ErrCredentialMissing):
		return "credential_missing"
	case errors.Is(err, security.ErrUpstreamStream):
		return "upstream_error"
	default:
		return "failed"
	}
}
