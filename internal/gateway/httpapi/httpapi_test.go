package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/overseer/internal/agent"
	"github.com/jkaninda/overseer/internal/config"
	"github.com/jkaninda/overseer/internal/gateway"
	"github.com/jkaninda/overseer/internal/observability"
	"github.com/jkaninda/overseer/internal/ratelimit"
	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/storage"
)

type fakeRunner struct {
	items []agent.Item
	opts  agent.Options
	out   []agent.Output
	err   error
}

func (f *fakeRunner) Run(_ context.Context, items []agent.Item, opts agent.Options) ([]agent.Output, error) {
	f.items, f.opts = items, opts
	return f.out, f.err
}

type fakeAudit struct {
	q      storage.AuditQuery
	events []security.AuditEvent
}

func (f *fakeAudit) Query(_ context.Context, q storage.AuditQuery) ([]security.AuditEvent, error) {
	f.q = q
	return f.events, nil
}

func newTestGateway(r gateway.Runner) *Gateway {
	return NewGateway(Config{
		APIKeys: map[string]string{"secret-key": "alice"},
		Agent:   config.DefaultAgentOptions(),
	}, r, nil)
}

func do(t *testing.T, h http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunRequiresAuth(t *testing.T) {
	h := newTestGateway(&fakeRunner{}).Handler()

	for _, key := range []string{"", "wrong"} {
		rec := do(t, h, http.MethodPost, "/v1/run", `{"prompts":["hi"]}`, key)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, rec.Code)
		}
	}
}

func TestRunAppliesOverrides(t *testing.T) {
	runner := &fakeRunner{out: []agent.Output{{Summary: &agent.Summary{Output: "done", Workspace: "/tmp/ws"}}}}
	h := newTestGateway(runner).Handler()

	body := `{"prompts":["list files","again"],"workflowId":"wf-1","options":{"maxTurns":2,"enableBashCommands":true}}`
	rec := do(t, h, http.MethodPost, "/v1/run", body, "secret-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if len(runner.items) != 2 || runner.items[1].Prompt != "again" {
		t.Errorf("items = %+v", runner.items)
	}
	if runner.opts.MaxTurns != 2 || !runner.opts.EnableBashCommands {
		t.Errorf("overrides not applied: %+v", runner.opts.AgentOptions)
	}
	if runner.opts.TimeoutMs != config.DefaultTimeoutMs {
		t.Errorf("timeout = %d, want configured default", runner.opts.TimeoutMs)
	}
	if runner.opts.Actor != "alice" || runner.opts.WorkflowID != "wf-1" || runner.opts.ExecutionID == "" {
		t.Errorf("labels = %q %q %q", runner.opts.Actor, runner.opts.WorkflowID, runner.opts.ExecutionID)
	}

	var resp struct {
		WorkflowID string           `json:"workflowId"`
		Results    []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.WorkflowID != "wf-1" || len(resp.Results) != 1 || resp.Results[0]["output"] != "done" {
		t.Errorf("response = %s", rec.Body.String())
	}
}

func TestRunGeneratesWorkflowID(t *testing.T) {
	runner := &fakeRunner{}
	rec := do(t, newTestGateway(runner).Handler(), http.MethodPost, "/v1/run", `{"prompts":["x"]}`, "secret-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if runner.opts.WorkflowID == "" {
		t.Error("workflow ID not generated")
	}
}

func TestRunRejectsEmptyPrompts(t *testing.T) {
	rec := do(t, newTestGateway(&fakeRunner{}).Handler(), http.MethodPost, "/v1/run", `{"prompts":[]}`, "secret-key")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRunRejectsLargeBody(t *testing.T) {
	g := NewGateway(Config{APIKeys: map[string]string{"k": "u"}, MaxRequestSize: 16}, &fakeRunner{}, nil)
	rec := do(t, g.Handler(), http.MethodPost, "/v1/run", `{"prompts":["a very long prompt indeed"]}`, "k")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestRunRejectsLargeChunkedBody(t *testing.T) {
	runner := &fakeRunner{}
	g := NewGateway(Config{APIKeys: map[string]string{"k": "u"}, MaxRequestSize: 16}, runner, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/run", strings.NewReader(`{"prompts":["a very long prompt indeed"]}`))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413: %s", rec.Code, rec.Body.String())
	}
	if runner.items != nil {
		t.Error("runner called for an oversize body")
	}
}

func TestRunErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: prompt", security.ErrMissingInput), http.StatusBadRequest},
		{fmt.Errorf("%w: max_turns", security.ErrInvalidConfiguration), http.StatusBadRequest},
		{fmt.Errorf("%w: /etc", security.ErrForbiddenPath), http.StatusBadRequest},
		{&security.ItemError{Index: 1, Err: fmt.Errorf("%w: sudo", security.ErrCommandBlocked)}, http.StatusForbidden},
		{&security.ItemError{Index: 0, Err: security.ErrExecutionTimeout}, http.StatusGatewayTimeout},
		{security.ErrCredentialMissing, http.StatusServiceUnavailable},
		{security.ErrUpstreamStream, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			h := newTestGateway(&fakeRunner{err: tc.err}).Handler()
			rec := do(t, h, http.MethodPost, "/v1/run", `{"prompts":["x"]}`, "secret-key")
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRunErrorCarriesItemIndex(t *testing.T) {
	runErr := &security.ItemError{Index: 2, Err: security.ErrExecutionTimeout}
	rec := do(t, newTestGateway(&fakeRunner{err: runErr}).Handler(), http.MethodPost, "/v1/run", `{"prompts":["a","b","c"]}`, "secret-key")

	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ItemIndex == nil || *body.ItemIndex != 2 {
		t.Errorf("body = %s", rec.Body.String())
	}
	if !strings.Contains(body.Error, "execution timeout") {
		t.Errorf("error = %q", body.Error)
	}
}

func TestAuditQuery(t *testing.T) {
	audit := &fakeAudit{events: []security.AuditEvent{{Sequence: 1, Action: security.ActionRunStarted, WorkflowID: "wf-1"}}}
	h := newTestGateway(&fakeRunner{}).WithAuditReader(audit).Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs/wf-1/audit?action=run.started&limit=5&since=2026-01-02T15:04:05Z", "", "secret-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if audit.q.WorkflowID != "wf-1" || audit.q.Action != "run.started" || audit.q.Limit != 5 {
		t.Errorf("query = %+v", audit.q)
	}
	if !audit.q.Since.Equal(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)) {
		t.Errorf("since = %v", audit.q.Since)
	}

	var events []security.AuditEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Action != security.ActionRunStarted {
		t.Errorf("events = %+v", events)
	}
}

func TestAuditQueryRejectsBadLimit(t *testing.T) {
	h := newTestGateway(&fakeRunner{}).WithAuditReader(&fakeAudit{}).Handler()
	for _, q := range []string{"limit=0", "limit=abc", "limit=5000", "since=yesterday"} {
		rec := do(t, h, http.MethodGet, "/v1/runs/wf-1/audit?"+q, "", "secret-key")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	checker := observability.NewHealthChecker(nil)
	checker.AddCheck("store", func(context.Context) error { return errors.New("down") })

	g := NewGateway(Config{HealthChecker: checker, MetricsRegistry: prometheus.NewRegistry()}, &fakeRunner{}, nil)
	h := g.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
}

func TestRunRateLimited(t *testing.T) {
	h := newTestGateway(&fakeRunner{}).WithRateLimit(ratelimit.NewLimiter(ratelimit.Config{RunsPerMinute: 1})).Handler()

	if rec := do(t, h, http.MethodPost, "/v1/run", `{"prompts":["x"]}`, "secret-key"); rec.Code != http.StatusOK {
		t.Fatalf("first run = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/run", `{"prompts":["x"]}`, "secret-key"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second run = %d, want 429", rec.Code)
	}
}
