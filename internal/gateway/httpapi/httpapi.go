// Package httpapi exposes the execution supervisor over HTTP.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-actor run rate limiting
//   - Per-request option overrides are validated before a workspace is created
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/overseer/internal/agent"
	"github.com/jkaninda/overseer/internal/config"
	"github.com/jkaninda/overseer/internal/gateway"
	"github.com/jkaninda/overseer/internal/observability"
	"github.com/jkaninda/overseer/internal/ratelimit"
	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/storage"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultAuditLimit     = 100
	maxAuditLimit         = 1000
)

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error     string `json:"error"`
	ItemIndex *int   `json:"itemIndex,omitempty"`
}

// AuditReader reads back persisted audit events.
type AuditReader interface {
	Query(ctx context.Context, q storage.AuditQuery) ([]security.AuditEvent, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Agent holds the configured run options; requests may override them.
	Agent config.AgentOptions

	// Observability
	MetricsRegistry *prometheus.Registry
	MetricsPath     string // Default: "/metrics".
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runner  gateway.Runner
	audit   AuditReader // nil = audit endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewGateway creates an HTTP API gateway and registers its routes.
func NewGateway(cfg Config, runner gateway.Runner, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = config.DefaultMetricsPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config: cfg,
		runner: runner,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithRateLimit limits runs per authenticated actor.
func (g *Gateway) WithRateLimit(l *ratelimit.Limiter) *Gateway {
	g.limiter = l
	return g
}

// WithAuditReader enables the audit query endpoint.
func (g *Gateway) WithAuditReader(r AuditReader) *Gateway {
	g.audit = r
	return g
}

// Handler registers the routes and returns the router. Start calls it; tests
// use it directly.
func (g *Gateway) Handler() http.Handler {
	g.routes()
	return g.okapi
}

func (g *Gateway) routes() {
	var mws []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		mws = append(mws, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	mws = append(mws, g.limitBody, g.authenticate)

	v1 := g.okapi.Group("/v1", mws...)
	v1.Post("/run", g.handleRun,
		okapi.DocSummary("Run a batch of prompts under supervision"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	if g.audit != nil {
		v1.Get("/runs/{id}/audit", g.handleAudit,
			okapi.DocSummary("List audit events for a workflow"),
			okapi.DocTags("Audit"),
			okapi.DocPathParam("id", "string", "Workflow ID"),
			okapi.DocResponse([]security.AuditEvent{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", g.config.MetricsPath, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Overseer",
			Version: observability.Version,
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Runs can last up to the configured agent timeout per item.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Prompts    []string               `json:"prompts"`
	WorkflowID string                 `json:"workflowId,omitempty"`
	Options    *config.AgentOverrides `json:"options,omitempty"`
}

// RunResponse is the JSON response for POST /v1/run.
type RunResponse struct {
	WorkflowID string         `json:"workflowId"`
	Results    []agent.Output `json:"results"`
}

// HealthResponse is the liveness response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	userID := c.GetString("userID")

	if err := g.limiter.Allow(c.Context(), userID); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return c.AbortInternalServerError("rate limiter unavailable")
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		if tooLarge(err) {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Prompts) == 0 {
		return c.AbortBadRequest("prompts is required")
	}

	opts := agent.Options{
		AgentOptions: req.Options.Apply(g.config.Agent),
		WorkflowID:   req.WorkflowID,
		ExecutionID:  uuid.NewString(),
		Actor:        userID,
	}
	if opts.WorkflowID == "" {
		opts.WorkflowID = uuid.NewString()
	}

	items := make([]agent.Item, len(req.Prompts))
	for i, p := range req.Prompts {
		items[i] = agent.Item{Prompt: p}
	}

	g.logger.Info("http run",
		slog.String("user_id", userID),
		slog.String("workflow_id", opts.WorkflowID),
		slog.Int("items", len(items)),
	)

	results, err := g.runner.Run(c.Context(), items, opts)
	if err != nil {
		g.logger.Warn("run failed",
			slog.String("workflow_id", opts.WorkflowID),
			slog.String("error", err.Error()),
		)
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.OK(RunResponse{WorkflowID: opts.WorkflowID, Results: results})
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	q := storage.AuditQuery{
		WorkflowID: c.Param("id"),
		Limit:      defaultAuditLimit,
	}
	params := c.Request().URL.Query()
	q.ExecutionID = params.Get("execution_id")
	q.Action = params.Get("action")
	if s := params.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return c.AbortBadRequest("since must be RFC 3339")
		}
		q.Since = since
	}
	if s := params.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxAuditLimit {
			return c.AbortBadRequest("limit must be between 1 and 1000")
		}
		q.Limit = n
	}

	events, err := g.audit.Query(c.Context(), q)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	if events == nil {
		events = []security.AuditEvent{}
	}
	return c.OK(events)
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

// authenticate validates the bearer API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = id
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.ContentLength > g.config.MaxRequestSize {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		if r.Body == nil || r.Body == http.NoBody {
			return next(c)
		}
		// Chunked bodies carry no length, so the limit is enforced on read.
		body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize))
		_ = r.Body.Close()
		if err != nil {
			if tooLarge(err) {
				return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
			}
			return c.AbortBadRequest("invalid request body")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		return next(c)
	}
}

// --- Helpers ---

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// statusFor maps supervision failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, security.ErrMissingInput),
		errors.Is(err, security.ErrInvalidConfiguration),
		errors.Is(err, security.ErrForbiddenPath):
		return http.StatusBadRequest
	case errors.Is(err, security.ErrCommandBlocked):
		return http.StatusForbidden
	case errors.Is(err, security.ErrExecutionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, security.ErrCredentialMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, security.ErrUpstreamStream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Error: err.Error()}
	var itemErr *security.ItemError
	if errors.As(err, &itemErr) {
		idx := itemErr.Index
		body.ItemIndex = &idx
	}
	return body
}
