package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/overseer/internal/config"
	"github.com/jkaninda/overseer/internal/llm"
	"github.com/jkaninda/overseer/internal/observability"
	"github.com/jkaninda/overseer/internal/secrets"
	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/workspace"
)

// fakeAgent replays a fixed script for every query. When hang is set the
// stream blocks after the script until its context is cancelled.
type fakeAgent struct {
	script []llm.AgentMessage
	hang   bool
	err    error

	mu      sync.Mutex
	queries []*llm.Query
	streams []*fakeStream
}

func (a *fakeAgent) Name() string { return "fake" }

func (a *fakeAgent) Query(_ context.Context, q *llm.Query) (llm.Stream, error) {
	if a.err != nil {
		return nil, a.err
	}
	// Capture the credential while the run holds it.
	if _, err := q.Credential.Reveal(); err != nil {
		return nil, err
	}
	st := &fakeStream{msgs: append([]llm.AgentMessage(nil), a.script...), hang: a.hang}
	a.mu.Lock()
	a.queries = append(a.queries, q)
	a.streams = append(a.streams, st)
	a.mu.Unlock()
	return st, nil
}

type fakeStream struct {
	mu     sync.Mutex
	msgs   []llm.AgentMessage
	hang   bool
	reads  int
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (llm.AgentMessage, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		msg := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.reads++
		s.mu.Unlock()
		return msg, nil
	}
	hang := s.hang
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return llm.AgentMessage{}, ctx.Err()
	}
	return llm.AgentMessage{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) state() (reads int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.closed
}

func textMsg(text string) llm.AgentMessage {
	return llm.AgentMessage{Kind: llm.KindText, Text: text}
}

func toolUseMsg(id, name string, input map[string]any) llm.AgentMessage {
	return llm.AgentMessage{Kind: llm.KindToolUse, ToolUse: &llm.ToolUse{ID: id, Name: name, Input: input}}
}

func resultMsg(output string) llm.AgentMessage {
	return llm.AgentMessage{Kind: llm.KindResult, Result: &llm.Result{Output: output, Turns: 1, StopReason: llm.StopEndTurn}}
}

type harness struct {
	sup     *Supervisor
	audit   *security.MemorySink
	tempDir string
	metrics *observability.MetricsCollector
}

func newHarness(t *testing.T, a llm.Agent, opts ...Option) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	mem := security.NewMemorySink()
	tmp := t.TempDir()
	metrics := observability.NewMetricsCollector()
	opts = append([]Option{
		WithCredentials(secrets.NewStaticProvider("sk-test"), "env://ANTHROPIC_API_KEY"),
		WithMetrics(metrics),
	}, opts...)
	sup := NewSupervisor(a,
		workspace.NewManager(logger, workspace.WithTempDir(tmp)),
		security.NewAuditRecorder(logger, mem),
		logger,
		opts...,
	)
	return &harness{sup: sup, audit: mem, tempDir: tmp, metrics: metrics}
}

func defaultOptions() Options {
	return Options{AgentOptions: config.DefaultAgentOptions()}
}

func TestRunSummary(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{textMsg("working"), resultMsg("done")}}
	h := newHarness(t, a)

	outs, err := h.sup.Run(context.Background(), []Item{{Prompt: "say done"}}, defaultOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outs) != 1 || outs[0].Summary == nil {
		t.Fatalf("outputs = %+v", outs)
	}
	sum := outs[0].Summary
	if sum.Output != "done" {
		t.Errorf("output = %q, want done", sum.Output)
	}
	if _, err := os.Stat(sum.Workspace); !os.IsNotExist(err) {
		t.Errorf("workspace %s still exists after Run", sum.Workspace)
	}

	completed := h.audit.Filter(security.ActionRunCompleted)
	if len(completed) != 1 || completed[0].Detail["output_length"] != 4 {
		t.Errorf("run.completed events = %+v", completed)
	}

	wantOrder := []string{
		security.ActionWorkspaceCreated,
		security.ActionRunInitialized,
		security.ActionRunStarted,
		security.ActionRunCompleted,
		security.ActionWorkspaceDestroyed,
	}
	events := h.audit.Events()
	if len(events) != len(wantOrder) {
		t.Fatalf("got %d audit events, want %d: %+v", len(events), len(wantOrder), events)
	}
	for i, action := range wantOrder {
		if events[i].Action != action {
			t.Errorf("event %d = %s, want %s", i, events[i].Action, action)
		}
	}

	q := a.queries[0]
	if !strings.Contains(q.SystemPrompt, sum.Workspace) {
		t.Error("system prompt does not describe the workspace")
	}
	if q.Env["HOME"] != sum.Workspace {
		t.Errorf("env HOME = %q", q.Env["HOME"])
	}
	if !q.Credential.Released() {
		t.Error("credential lease not released after the run")
	}
}

func TestRunIntermediateSteps(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{
		textMsg("listing"),
		toolUseMsg("t1", "bash", map[string]any{"command": "ls -la"}),
		{Kind: llm.KindToolResult, ToolResult: &llm.ToolResult{ToolUseID: "t1", Content: "a.txt"}},
		{Kind: llm.KindUnknown, Raw: map[string]any{"type": "thinking", "thinking": "hmm"}},
		resultMsg("a.txt"),
	}}
	h := newHarness(t, a)

	opts := defaultOptions()
	opts.EnableBashCommands = true
	opts.ReturnIntermediateSteps = true
	opts.EnableStreaming = true

	outs, err := h.sup.Run(context.Background(), []Item{{Prompt: "list files"}}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := outs[0].Entries
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.Type
	}
	want := "text,tool_use,tool_result,thinking,result"
	if got := strings.Join(types, ","); got != want {
		t.Fatalf("entry types = %s, want %s", got, want)
	}
	if entries[1].ToolName != "bash" || entries[1].ToolInput["command"] != "ls -la" {
		t.Errorf("tool_use entry = %+v", entries[1])
	}
	if entries[4].Output != "a.txt" {
		t.Errorf("result entry = %+v", entries[4])
	}

	invoked := h.audit.Filter(security.ActionToolInvoked)
	if len(invoked) != 1 || invoked[0].Detail["tool"] != "bash" {
		t.Errorf("tool.invoked = %+v", invoked)
	}
}

func TestRunTimeout(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{textMsg("thinking...")}, hang: true}
	h := newHarness(t, a)

	opts := defaultOptions()
	opts.TimeoutMs = 50

	start := time.Now()
	_, err := h.sup.Run(context.Background(), []Item{{Prompt: "never finishes"}}, opts)
	elapsed := time.Since(start)

	if !errors.Is(err, security.ErrExecutionTimeout) {
		t.Fatalf("err = %v, want ErrExecutionTimeout", err)
	}
	var itemErr *security.ItemError
	if !errors.As(err, &itemErr) || itemErr.Index != 0 {
		t.Errorf("err = %v, want ItemError for index 0", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("Run returned after %s, want < 200ms", elapsed)
	}

	created := h.audit.Filter(security.ActionWorkspaceCreated)
	if len(created) != 1 {
		t.Fatalf("workspace.created events = %d", len(created))
	}
	if _, err := os.Stat(created[0].Detail["path"].(string)); !os.IsNotExist(err) {
		t.Error("workspace not removed after timeout")
	}
	failed := h.audit.Filter(security.ActionRunFailed)
	if len(failed) != 1 || failed[0].Detail["kind"] != "timeout" {
		t.Errorf("run.failed = %+v", failed)
	}
	if _, closed := a.streams[0].state(); !closed {
		t.Error("stream not closed after timeout")
	}
}

func TestRunCommandBlocked(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{
		toolUseMsg("t1", "Bash", map[string]any{"command": "sudo rm -rf /"}),
		{Kind: llm.KindToolResult, ToolResult: &llm.ToolResult{ToolUseID: "t1", Content: "should never be read"}},
		resultMsg("done"),
	}}
	h := newHarness(t, a)

	opts := defaultOptions()
	opts.EnableBashCommands = true
	opts.AllowedCommands = "node"

	_, err := h.sup.Run(context.Background(), []Item{{Prompt: "clean up"}}, opts)
	if !errors.Is(err, security.ErrCommandBlocked) {
		t.Fatalf("err = %v, want ErrCommandBlocked", err)
	}
	if !strings.Contains(err.Error(), "sudo rm -rf /") {
		t.Errorf("error %q does not name the command", err)
	}

	var mentions int
	for _, ev := range h.audit.Events() {
		data, _ := json.Marshal(ev)
		if strings.Contains(string(data), "sudo rm -rf /") {
			mentions++
			if ev.Action != security.ActionToolInvoked {
				t.Errorf("command recorded in %s event", ev.Action)
			}
		}
	}
	if mentions != 1 {
		t.Errorf("command appears in %d audit events, want exactly 1", mentions)
	}

	reads, closed := a.streams[0].state()
	if reads != 1 {
		t.Errorf("stream read %d messages after rejection, want 1", reads)
	}
	if !closed {
		t.Error("stream not closed after rejection")
	}
	if len(h.audit.Filter(security.ActionRunCompleted)) != 0 {
		t.Error("blocked run recorded run.completed")
	}
}

func TestRunCapabilityGating(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{
		toolUseMsg("t1", "write_file", map[string]any{"path": "x.txt", "content": "x"}),
		resultMsg("done"),
	}}
	h := newHarness(t, a)

	_, err := h.sup.Run(context.Background(), []Item{{Prompt: "write"}}, defaultOptions())
	if !errors.Is(err, security.ErrCommandBlocked) {
		t.Fatalf("err = %v, want ErrCommandBlocked", err)
	}
	failed := h.audit.Filter(security.ActionRunFailed)
	if len(failed) != 1 || failed[0].Detail["rule"] != "capability_disabled" {
		t.Errorf("run.failed = %+v", failed)
	}
}

func TestRunGatesNotebookEdit(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{
		toolUseMsg("t1", "NotebookEdit", map[string]any{"notebook_path": "/etc/x.ipynb"}),
		resultMsg("done"),
	}}
	h := newHarness(t, a)

	_, err := h.sup.Run(context.Background(), []Item{{Prompt: "edit"}}, defaultOptions())
	if !errors.Is(err, security.ErrCommandBlocked) {
		t.Fatalf("err = %v, want ErrCommandBlocked", err)
	}
}

func TestRunShellControlToolsSkipCommandFilter(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{
		toolUseMsg("t1", "Bash", map[string]any{"command": "node build.js"}),
		toolUseMsg("t2", "BashOutput", map[string]any{"bash_id": "1"}),
		toolUseMsg("t3", "KillShell", map[string]any{"shell_id": "1"}),
		resultMsg("built"),
	}}
	h := newHarness(t, a)

	opts := defaultOptions()
	opts.EnableBashCommands = true
	opts.AllowedCommands = "node"
	outs, err := h.sup.Run(context.Background(), []Item{{Prompt: "build"}}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outs[0].Summary == nil || outs[0].Summary.Output != "built" {
		t.Errorf("outputs = %+v", outs)
	}
	if got := len(h.audit.Filter(security.ActionToolInvoked)); got != 3 {
		t.Errorf("tool.invoked events = %d, want 3", got)
	}

	// Without shell access the control tools are gated like Bash itself.
	a2 := &fakeAgent{script: []llm.AgentMessage{toolUseMsg("t1", "KillShell", map[string]any{"shell_id": "1"})}}
	h2 := newHarness(t, a2)
	if _, err := h2.sup.Run(context.Background(), []Item{{Prompt: "kill"}}, defaultOptions()); !errors.Is(err, security.ErrCommandBlocked) {
		t.Errorf("err = %v, want ErrCommandBlocked", err)
	}
}

func TestRunCompletedOnlyOnFinalResult(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{textMsg("partial answer")}}
	h := newHarness(t, a)

	outs, err := h.sup.Run(context.Background(), []Item{{Prompt: "answer"}}, defaultOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outs[0].Summary == nil || outs[0].Summary.Output != "partial answer" {
		t.Errorf("outputs = %+v", outs)
	}
	if got := h.audit.Filter(security.ActionRunCompleted); len(got) != 0 {
		t.Errorf("run.completed recorded without a final result: %+v", got)
	}
}

func TestRunBatchTolerance(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{resultMsg("ok")}}
	h := newHarness(t, a)

	opts := defaultOptions()
	opts.ContinueOnFail = true

	outs, err := h.sup.Run(context.Background(), []Item{{Prompt: "   "}, {Prompt: "second"}}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outs))
	}
	if outs[0].Failure == nil || outs[0].Failure.ItemIndex != 0 {
		t.Errorf("first output = %+v, want failure for item 0", outs[0])
	}
	if outs[1].Summary == nil || outs[1].Summary.Output != "ok" {
		t.Errorf("second output = %+v", outs[1])
	}

	data, err := json.Marshal(outs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"itemIndex":0`) || !strings.Contains(string(data), `"workspace":`) {
		t.Errorf("json = %s", data)
	}

	if n := len(h.audit.Filter(security.ActionWorkspaceCreated)); n != 1 {
		t.Errorf("workspace.created = %d, want 1", n)
	}
	if n := len(h.audit.Filter(security.ActionWorkspaceDestroyed)); n != 1 {
		t.Errorf("workspace.destroyed = %d, want 1", n)
	}
	if len(a.queries) != 1 {
		t.Errorf("agent queried %d times, want 1", len(a.queries))
	}
}

func TestRunAbortsWithoutTolerance(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{resultMsg("ok")}}
	h := newHarness(t, a)

	outs, err := h.sup.Run(context.Background(), []Item{{Prompt: ""}, {Prompt: "second"}}, defaultOptions())
	if !errors.Is(err, security.ErrMissingInput) {
		t.Fatalf("err = %v, want ErrMissingInput", err)
	}
	if len(outs) != 0 {
		t.Errorf("outputs = %+v, want none", outs)
	}
	if len(a.queries) != 0 {
		t.Error("second item ran after the first failed")
	}
	if n := len(h.audit.Filter(security.ActionWorkspaceDestroyed)); n != 1 {
		t.Errorf("workspace.destroyed = %d, want 1", n)
	}
}

func TestRunCredentialMissing(t *testing.T) {
	a := &fakeAgent{script: []llm.AgentMessage{resultMsg("ok")}}
	h := newHarness(t, a, WithCredentials(secrets.NewEnvProvider(), "env://OVERSEER_TEST_UNSET_KEY"))

	_, err := h.sup.Run(context.Background(), []Item{{Prompt: "hi"}}, defaultOptions())
	if !errors.Is(err, security.ErrCredentialMissing) {
		t.Fatalf("err = %v, want ErrCredentialMissing", err)
	}
}

func TestRunUpstreamError(t *testing.T) {
	a := &fakeAgent{err: errors.New("backend unavailable")}
	h := newHarness(t, a)

	_, err := h.sup.Run(context.Background(), []Item{{Prompt: "hi"}}, defaultOptions())
	if !errors.Is(err, security.ErrUpstreamStream) {
		t.Fatalf("err = %v, want ErrUpstreamStream", err)
	}
	if !strings.Contains(err.Error(), "backend unavailable") {
		t.Errorf("err = %v, want upstream cause", err)
	}
}

func TestRunInvalidWorkspace(t *testing.T) {
	h := newHarness(t, &fakeAgent{})
	for path, want := range map[string]error{
		"relative/dir":  security.ErrInvalidConfiguration,
		"/etc/overseer": security.ErrForbiddenPath,
	} {
		opts := defaultOptions()
		opts.WorkspacePath = path
		_, err := h.sup.Run(context.Background(), []Item{{Prompt: "hi"}}, opts)
		if !errors.Is(err, want) {
			t.Errorf("workspace %q: err = %v, want %v", path, err, want)
		}
	}
	if n := len(h.audit.Filter(security.ActionWorkspaceCreated)); n != 0 {
		t.Errorf("workspace created for invalid paths: %d", n)
	}
}

func TestRunToolFactoryReceivesPolicy(t *testing.T) {
	var got security.SandboxPolicy
	a := &fakeAgent{script: []llm.AgentMessage{resultMsg("ok")}}
	h := newHarness(t, a, WithTools(func(p security.SandboxPolicy, env map[string]string) llm.ToolRunner {
		got = p
		return nil
	}))

	opts := defaultOptions()
	opts.EnableFileAccess = true
	if _, err := h.sup.Run(context.Background(), []Item{{Prompt: "hi"}}, opts); err != nil {
		t.Fatal(err)
	}
	if !got.AllowFileAccess || got.WorkspacePath == "" {
		t.Errorf("factory policy = %+v", got)
	}
}

func TestFailureKind(t *testing.T) {
	tests := map[error]string{
		security.ErrCommandBlocked:    "blocked",
		security.ErrExecutionTimeout:  "timeout",
		security.ErrMissingInput:      "missing_input",
		security.ErrCredentialMissing: "credential_missing",
		security.ErrUpstreamStream:    "upstream_error",
		errors.New("other"):           "failed",
	}
	for err, want := range tests {
		if got := failureKind(err); got != want {
			t.Errorf("failureKind(%v) = %q, want %q", err, got, want)
		}
	}
}
