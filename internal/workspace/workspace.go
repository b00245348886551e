// Package workspace allocates and tears down the isolated working directory
// each agent run executes in.
//
// Default location: <os.TempDir()>/overseer/<workflow-id>/<random>.
// A caller may supply an absolute base directory instead, in which case the
// run directory is <base>/<random>. Sensitive system locations are refused.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/overseer/internal/security"
)

// DefaultNamespace is the directory under the system temp dir that holds
// every default workspace.
const DefaultNamespace = "overseer"

// sensitiveDirs are never accepted as (or beneath) a custom workspace path.
var sensitiveDirs = []string{
	"/etc",
	"/root",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
	"/var/run",
	"/run",
}

// Context identifies one isolated run directory.
type Context struct {
	Path        string    `json:"path"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	CreatedAt   time.Time `json:"created_at"`

	destroyed atomic.Bool
}

// Destroyed reports whether teardown has already run for this context.
func (c *Context) Destroyed() bool { return c.destroyed.Load() }

// Manager creates and destroys run workspaces.
type Manager struct {
	tempDir   string
	namespace string
	suffix    func() string
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTempDir overrides the system temp dir used for default workspaces.
func WithTempDir(dir string) Option {
	return func(m *Manager) { m.tempDir = dir }
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(m *Manager) { m.namespace = ns }
}

// NewManager creates a workspace manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		tempDir:   os.TempDir(),
		namespace: DefaultNamespace,
		// UUIDv4 draws 122 bits from crypto/rand.
		suffix: func() string { return uuid.NewString() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateCustomPath checks a caller-supplied base directory.
func ValidateCustomPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: workspace path %q must be absolute", security.ErrInvalidConfiguration, path)
	}
	clean := filepath.Clean(path)
	for _, dir := range sensitiveDirs {
		if clean == dir || strings.HasPrefix(clean, dir+string(filepath.Separator)) {
			return fmt.Errorf("%w: workspace path %q is inside protected directory %s", security.ErrForbiddenPath, path, dir)
		}
	}
	return nil
}

// Create allocates a fresh directory for one run. customPath may be empty.
// The returned path did not exist before this call.
func (m *Manager) Create(ctx context.Context, customPath, workflowID, executionID string) (*Context, error) {
	var parent string
	if customPath != "" {
		if err := ValidateCustomPath(customPath); err != nil {
			return nil, err
		}
		parent = filepath.Clean(customPath)
	} else {
		parent = filepath.Join(m.tempDir, m.namespace, sanitizeName(workflowID))
	}

	if err := os.MkdirAll(parent, 0750); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", security.ErrWorkspaceCreationFailed, parent, err)
	}
	dir := filepath.Join(parent, m.suffix())
	// Mkdir (not MkdirAll) so an existing directory is an error, never reused.
	if err := os.Mkdir(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", security.ErrWorkspaceCreationFailed, dir, err)
	}

	resolved, err := resolvePath(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: resolving %s: %w", security.ErrWorkspaceCreationFailed, dir, err)
	}

	wc := &Context{
		Path:        resolved,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		CreatedAt:   time.Now().UTC(),
	}
	m.logger.DebugContext(ctx, "workspace created",
		slog.String("path", wc.Path),
		slog.String("workflow_id", workflowID),
		slog.String("execution_id", executionID),
	)
	return wc, nil
}

// Destroy removes the workspace tree. It never fails: removal errors are
// logged as warnings. Calls after the first are no-ops.
func (m *Manager) Destroy(ctx context.Context, wc *Context) {
	if wc == nil || !wc.destroyed.CompareAndSwap(false, true) {
		return
	}
	if err := os.RemoveAll(wc.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.WarnContext(ctx, "failed to remove workspace",
			slog.String("path", wc.Path),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.DebugContext(ctx, "workspace removed", slog.String("path", wc.Path))
}

// CheckWritable verifies that default workspaces can be created under the
// manager's temp dir. It is used as a readiness check.
func (m *Manager) CheckWritable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	root := filepath.Join(m.tempDir, m.namespace)
	if err := os.MkdirAll(root, 0750); err != nil {
		return fmt.Errorf("%w: %w", security.ErrWorkspaceCreationFailed, err)
	}
	dir, err := os.MkdirTemp(root, ".ready-")
	if err != nil {
		return fmt.Errorf("%w: %w", security.ErrWorkspaceCreationFailed, err)
	}
	return os.Remove(dir)
}

// resolvePath returns the absolute, symlink-free form of an existing path.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
