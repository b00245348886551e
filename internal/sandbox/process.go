package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

const (
	maxOutputBytes = 1 << 20 // 1 MB per stream

	defaultTimeout    = 60 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 1024
)

// ProcessConfig configures NewProcessSandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
}

// ProcessSandbox executes commands as OS processes.
//
//   - the process gets its own process group (Setpgid)
//   - the whole group is killed on deadline or cancellation
//   - the environment is exactly ExecutionRequest.Env
//   - CPU and memory are capped with ulimit
//   - stdout and stderr are capped at 1 MB each
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	logger         *slog.Logger
}

// NewProcessSandbox creates a process sandbox. Zero config fields take defaults.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ProcessSandbox{
		defaultTimeout: cfg.DefaultTimeout,
		defaultLimits:  cfg.DefaultLimits,
		logger:         logger,
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = defaultTimeout
	}
	if s.defaultLimits.MaxCPUSeconds <= 0 {
		s.defaultLimits.MaxCPUSeconds = defaultCPUSeconds
	}
	if s.defaultLimits.MaxMemoryMB <= 0 {
		s.defaultLimits.MaxMemoryMB = defaultMemoryMB
	}
	return s
}

// Execute runs req.Command inside req.WorkingDir.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 || strings.TrimSpace(req.Command[0]) == "" {
		return nil, errors.New("sandbox: empty command")
	}
	if req.WorkingDir == "" {
		return nil, errors.New("sandbox: working directory is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limits := s.resolveLimits(req.Limits)

	// The argv is passed as positional parameters, never spliced into the
	// script, so the wrapper cannot be used for injection.
	script := fmt.Sprintf(`ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec "$@"`,
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds)
	args := append([]string{"-c", script, "_"}, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = envList(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	errW := &limitedWriter{w: &stderr, remaining: maxOutputBytes}
	cmd.Stdout = outW
	cmd.Stderr = errW

	s.logger.DebugContext(ctx, "sandbox executing",
		slog.String("program", req.Command[0]),
		slog.Int("argc", len(req.Command)),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.WarnContext(ctx, "sandbox command timed out",
				slog.String("program", req.Command[0]),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("sandbox: starting %s: %w", req.Command[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		Duration:  duration,
		Truncated: outW.dropped || errW.dropped,
	}, nil
}

func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// envList renders env as KEY=VALUE pairs in a stable order.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// limitedWriter discards everything past its byte budget.
type limitedWriter struct {
	w         io.Writer
	remaining int
	dropped   bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		lw.dropped = true
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.dropped = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
