// Package file implements workspace-scoped file tools:
//   - read_file and list_files (security.ToolFileRead)
//   - write_file (security.ToolFileWrite)
//
// Every path is checked lexically against the workspace, then resolved to its
// symlink-free form and checked again before any I/O occurs.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/tools"
)

const defaultMaxFileSize = 10 << 20 // 10 MB

// Config configures the file tools of one run.
type Config struct {
	Workspace        string
	MaxFileSizeBytes int64 // 0 = 10 MB
}

func (c Config) maxSize() int64 {
	if c.MaxFileSizeBytes > 0 {
		return c.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}

// safePath maps a model-supplied path onto the workspace. Relative paths are
// taken relative to the workspace.
func safePath(raw, workspace string) (string, error) {
	if raw == "" {
		return "", errors.New("path must not be empty")
	}
	if !security.IsPathContained(raw, workspace) {
		return "", fmt.Errorf("%w: %q is outside the workspace", security.ErrForbiddenPath, raw)
	}
	candidate := raw
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspace, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// Not created yet: resolve the parent instead.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(candidate))
		if perr != nil {
			return "", fmt.Errorf("path %q does not exist and its parent is invalid: %w", raw, err)
		}
		resolved = filepath.Join(parent, filepath.Base(candidate))
	}
	if !security.IsPathContained(resolved, workspace) {
		return "", fmt.Errorf("%w: %q resolves outside the workspace", security.ErrForbiddenPath, raw)
	}
	return resolved, nil
}

// relTo reports a path relative to the workspace for tool output.
func relTo(workspace, path string) string {
	if rel, err := filepath.Rel(workspace, path); err == nil {
		return rel
	}
	return path
}

// ---- ReadTool ----

// ReadTool returns file contents.
type ReadTool struct {
	config Config
	logger *slog.Logger
}

func NewReadTool(cfg Config, logger *slog.Logger) *ReadTool {
	return &ReadTool{config: cfg, logger: logger}
}

func (t *ReadTool) Name() string            { return "read_file" }
func (t *ReadTool) Kind() security.ToolKind { return security.ToolFileRead }
func (t *ReadTool) Description() string     { return "Read a file from the workspace" }
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path, relative to the workspace"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "path")
	return err
}

func (t *ReadTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	raw, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	path, err := safePath(raw, t.config.Workspace)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", raw, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use list_files", raw)
	}
	if info.Size() > t.config.maxSize() {
		return nil, fmt.Errorf("file size %d exceeds limit %d bytes", info.Size(), t.config.maxSize())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", raw, err)
	}

	t.logger.DebugContext(ctx, "read_file", slog.String("path", path), slog.Int64("size", info.Size()))
	return &tools.Result{
		Output:   string(data),
		Success:  true,
		Metadata: map[string]any{"path": relTo(t.config.Workspace, path), "size_bytes": info.Size()},
	}, nil
}

// ---- ListTool ----

// ListTool lists a directory.
type ListTool struct {
	config Config
	logger *slog.Logger
}

func NewListTool(cfg Config, logger *slog.Logger) *ListTool {
	return &ListTool{config: cfg, logger: logger}
}

func (t *ListTool) Name() string            { return "list_files" }
func (t *ListTool) Kind() security.ToolKind { return security.ToolFileRead }
func (t *ListTool) Description() string     { return "List a directory in the workspace" }
func (t *ListTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory path, relative to the workspace. Defaults to the workspace root"},
		},
	}
}

func (t *ListTool) Validate(params map[string]any) error {
	if v, ok := params["path"]; ok {
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter path must be a string, got %T", v)
		}
	}
	return nil
}

func (t *ListTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	raw, _ := params["path"].(string)
	if raw == "" {
		raw = "."
	}
	path, err := safePath(raw, t.config.Workspace)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", raw, err)
	}

	var b strings.Builder
	for _, e := range entries {
		info, _ := e.Info()
		mode := "-"
		size := int64(0)
		if info != nil {
			mode = info.Mode().String()
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s %8d %s\n", mode, size, e.Name())
	}

	t.logger.DebugContext(ctx, "list_files", slog.String("path", path), slog.Int("entries", len(entries)))
	return &tools.Result{
		Output:   b.String(),
		Success:  true,
		Metadata: map[string]any{"path": relTo(t.config.Workspace, path), "count": len(entries)},
	}, nil
}

// ---- WriteTool ----

// WriteTool creates or replaces files.
type WriteTool struct {
	config Config
	logger *slog.Logger
}

func NewWriteTool(cfg Config, logger *slog.Logger) *WriteTool {
	return &WriteTool{config: cfg, logger: logger}
}

func (t *WriteTool) Name() string            { return "write_file" }
func (t *WriteTool) Kind() security.ToolKind { return security.ToolFileWrite }
func (t *WriteTool) Description() string     { return "Write content to a file in the workspace" }
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path, relative to the workspace"},
			"content": map[string]any{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "path"); err != nil {
		return err
	}
	content, ok := params["content"].(string)
	if !ok {
		return errors.New("parameter content must be a string")
	}
	if int64(len(content)) > t.config.maxSize() {
		return fmt.Errorf("content size %d exceeds limit %d bytes", len(content), t.config.maxSize())
	}
	return nil
}

func (t *WriteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	raw, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	content, _ := params["content"].(string)

	path, err := safePath(raw, t.config.Workspace)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), fs.FileMode(0640)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", raw, err)
	}

	rel := relTo(t.config.Workspace, path)
	t.logger.InfoContext(ctx, "write_file", slog.String("path", path), slog.Int("size", len(content)))
	return &tools.Result{
		Output:   fmt.Sprintf("wrote %d bytes to %s", len(content), rel),
		Success:  true,
		Metadata: map[string]any{"path": rel, "size_bytes": len(content)},
	}, nil
}
