// Package config handles loading and validating overseer configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/storage"
)

// Defaults applied when a field is absent from the config file.
const (
	DefaultModel           = "claude-sonnet-4-5"
	DefaultCredentialRef   = "env://ANTHROPIC_API_KEY"
	DefaultMaxTurns        = 10
	DefaultTimeoutMs       = 300000
	DefaultAllowedCommands = "ls,cat,echo,pwd,node,python3,npm,git"
	DefaultMetricsPath     = "/metrics"
)

// Config is the root configuration for overseer.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.overseer/data. Override: OVERSEER_DATA_DIR.
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Agent         AgentOptions         `json:"agent" yaml:"agent"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ProvidersConfig holds LLM backend settings. Only Anthropic is supported.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

// AnthropicConfig configures the Anthropic Messages API backend.
//
// The credential is looked up per run through CredentialRef. APIKey is an
// optional inline fallback consulted only when the reference resolves to nothing.
type AnthropicConfig struct {
	APIKey        string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	CredentialRef string `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"` // Default: env://ANTHROPIC_API_KEY
	Model         string `json:"model" yaml:"model"`
	BaseURL       string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxTokens     int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"` // Default: 4096
}

// AgentOptions are the per-batch run options.
type AgentOptions struct {
	SystemMessage           string `json:"system_message,omitempty" yaml:"system_message,omitempty"`
	MaxTurns                int    `json:"max_turns" yaml:"max_turns"`
	EnableFileAccess        bool   `json:"enable_file_access" yaml:"enable_file_access"`
	EnableCodeExecution     bool   `json:"enable_code_execution" yaml:"enable_code_execution"`
	EnableBashCommands      bool   `json:"enable_bash_commands" yaml:"enable_bash_commands"`
	AllowedCommands         string `json:"allowed_commands" yaml:"allowed_commands"` // Comma-separated base command names.
	WorkspacePath           string `json:"workspace_path,omitempty" yaml:"workspace_path,omitempty"`
	TimeoutMs               int    `json:"timeout_ms" yaml:"timeout_ms"`
	ReturnIntermediateSteps bool   `json:"return_intermediate_steps" yaml:"return_intermediate_steps"`
	EnableStreaming         bool   `json:"enable_streaming" yaml:"enable_streaming"`
	ContinueOnFail          bool   `json:"continue_on_fail" yaml:"continue_on_fail"`
}

// DefaultAgentOptions returns the options used when nothing is configured.
func DefaultAgentOptions() AgentOptions {
	return AgentOptions{
		MaxTurns:        DefaultMaxTurns,
		AllowedCommands: DefaultAllowedCommands,
		TimeoutMs:       DefaultTimeoutMs,
		EnableStreaming: true,
	}
}

// Timeout returns the per-item wall-clock budget.
func (o AgentOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// AllowedCommandList splits AllowedCommands, trimming blanks. Order is kept.
func (o AgentOptions) AllowedCommandList() []string {
	var out []string
	for _, c := range strings.Split(o.AllowedCommands, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Policy builds the sandbox policy for a run bound to workspacePath.
func (o AgentOptions) Policy(workspacePath string) security.SandboxPolicy {
	return security.SandboxPolicy{
		WorkspacePath:      workspacePath,
		AllowFileAccess:    o.EnableFileAccess,
		AllowCodeExecution: o.EnableCodeExecution,
		AllowShellCommands: o.EnableBashCommands,
		AllowedCommands:    o.AllowedCommandList(),
		TimeoutMs:          o.TimeoutMs,
	}
}

// Validate checks the option values.
func (o AgentOptions) Validate() error {
	if o.MaxTurns <= 0 {
		return fmt.Errorf("%w: max_turns must be positive", security.ErrInvalidConfiguration)
	}
	if o.TimeoutMs <= 0 {
		return fmt.Errorf("%w: timeout_ms must be positive", security.ErrInvalidConfiguration)
	}
	if o.WorkspacePath != "" && !filepath.IsAbs(o.WorkspacePath) {
		return fmt.Errorf("%w: workspace_path %q must be absolute", security.ErrInvalidConfiguration, o.WorkspacePath)
	}
	return nil
}

// AgentOverrides carries per-request changes to AgentOptions. Nil fields
// keep the configured value.
type AgentOverrides struct {
	SystemMessage           *string `json:"systemMessage,omitempty"`
	MaxTurns                *int    `json:"maxTurns,omitempty"`
	EnableFileAccess        *bool   `json:"enableFileAccess,omitempty"`
	EnableCodeExecution     *bool   `json:"enableCodeExecution,omitempty"`
	EnableBashCommands      *bool   `json:"enableBashCommands,omitempty"`
	AllowedCommands         *string `json:"allowedCommands,omitempty"`
	WorkspacePath           *string `json:"workspacePath,omitempty"`
	TimeoutMs               *int    `json:"timeoutMs,omitempty"`
	ReturnIntermediateSteps *bool   `json:"returnIntermediateSteps,omitempty"`
	EnableStreaming         *bool   `json:"enableStreaming,omitempty"`
	ContinueOnFail          *bool   `json:"continueOnFail,omitempty"`
}

// Apply returns base with the set overrides applied. A nil receiver
// returns base unchanged.
func (o *AgentOverrides) Apply(base AgentOptions) AgentOptions {
	if o == nil {
		return base
	}
	setString(&base.SystemMessage, o.SystemMessage)
	setInt(&base.MaxTurns, o.MaxTurns)
	setBool(&base.EnableFileAccess, o.EnableFileAccess)
	setBool(&base.EnableCodeExecution, o.EnableCodeExecution)
	setBool(&base.EnableBashCommands, o.EnableBashCommands)
	setString(&base.AllowedCommands, o.AllowedCommands)
	setString(&base.WorkspacePath, o.WorkspacePath)
	setInt(&base.TimeoutMs, o.TimeoutMs)
	setBool(&base.ReturnIntermediateSteps, o.ReturnIntermediateSteps)
	setBool(&base.EnableStreaming, o.EnableStreaming)
	setBool(&base.ContinueOnFail, o.ContinueOnFail)
	return base
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// SandboxConfig configures the process sandbox tools run in.
type SandboxConfig struct {
	MaxMemoryMB         int      `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUSeconds       int      `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	MaxExecutionSeconds int      `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Per command.
	MaxOutputBytes      int      `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
	MaxFileSizeBytes    int64    `json:"max_file_size_bytes,omitempty" yaml:"max_file_size_bytes,omitempty"`
	Languages           []string `json:"languages,omitempty" yaml:"languages,omitempty"` // Default: python3, node.
}

// AuditConfig configures where audit events go.
type AuditConfig struct {
	LogPath string          `json:"log_path,omitempty" yaml:"log_path,omitempty"` // JSONL file. Default: <data_dir>/audit.jsonl. Override: OVERSEER_AUDIT_LOG.
	Storage *storage.Config `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = no database sink
}

// GatewaysConfig holds the serving surfaces used by `overseer serve`.
type GatewaysConfig struct {
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// MCPGatewayConfig configures the MCP stdio server.
type MCPGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"` // Default: overseer
}

// HTTPGatewayConfig configures the HTTP API.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // e.g. ":8080"
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes,omitempty" yaml:"max_request_size_bytes,omitempty"` // Default: 1 MiB
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`                             // API key -> actor name.
	RunsPerMinute       int               `json:"runs_per_minute,omitempty" yaml:"runs_per_minute,omitempty"`               // Per actor. 0 = unlimited.
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: /metrics
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"` // Standalone listener when the HTTP gateway is off.
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`                             // host:port of the collector.
	Protocol    string  `json:"protocol,omitempty" yaml:"protocol,omitempty"`         // "grpc" (default) or "http".
	ServiceName string  `json:"service_name,omitempty" yaml:"service_name,omitempty"` // Default: overseer
	SampleRate  float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`   // 0 < rate <= 1. Default: 1.
	Insecure    bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{Anthropic: AnthropicConfig{
			Model:         DefaultModel,
			CredentialRef: DefaultCredentialRef,
		}},
		Agent: DefaultAgentOptions(),
	}
}

// DefaultConfigPath returns the default config file path (~/.overseer/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "overseer.yaml"
	}
	return filepath.Join(home, ".overseer", "config.yaml")
}

// LoadEnvFile loads variables from a dotenv file into the process environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Fields absent from the file keep their defaults. An empty
// path yields the defaults. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables. The API key itself is not copied
// into the config: it is read per run through the credential reference.
func (c *Config) applyEnv() {
	if v := os.Getenv("OVERSEER_WORKSPACE"); v != "" {
		c.Agent.WorkspacePath = v
	}
	if v := os.Getenv("OVERSEER_AUDIT_LOG"); v != "" {
		c.Audit.LogPath = v
	}
	if v := os.Getenv("OVERSEER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		c.Providers.Anthropic.Model = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		c.Providers.Anthropic.BaseURL = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".overseer", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.LogPath != "" {
		if resolved, err := resolvePath(c.Audit.LogPath); err == nil {
			return resolved
		}
		return c.Audit.LogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Audit.Storage != nil && c.Audit.Storage.SQLite.Path != "" {
		return c.Audit.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "overseer.db")
}

// MetricsPath returns the path metrics are served on.
func (c *Config) MetricsPath() string {
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return DefaultMetricsPath
}

func (c *Config) validate() error {
	if c.Providers.Anthropic.Model == "" {
		return fmt.Errorf("providers.anthropic.model is required")
	}
	if c.Providers.Anthropic.CredentialRef == "" && c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("providers.anthropic: credential_ref or api_key is required")
	}
	if c.Providers.Anthropic.MaxTokens < 0 {
		return fmt.Errorf("providers.anthropic.max_tokens must not be negative")
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if s := c.Audit.Storage; s != nil && s.Driver != "" {
		switch s.Driver {
		case storage.DriverSQLite:
		case storage.DriverPostgres:
			if s.Postgres.DSN == "" {
				return fmt.Errorf("audit.storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("audit.storage.driver %q is not supported (use sqlite or postgres)", s.Driver)
		}
	}
	if h := c.Gateways.HTTP; h != nil && h.Enabled {
		if h.ListenAddr == "" {
			return fmt.Errorf("gateways.http.listen_addr is required when enabled")
		}
		if len(h.APIKeys) == 0 {
			return fmt.Errorf("gateways.http.api_keys must contain at least one key when enabled")
		}
		if h.RunsPerMinute < 0 {
			return fmt.Errorf("gateways.http.runs_per_minute must not be negative")
		}
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be within [0, 1]")
		}
	}
	return nil
}
