package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jkaninda/overseer/internal/agent"
	"github.com/jkaninda/overseer/internal/config"
	"github.com/jkaninda/overseer/internal/security"
)

// Exit codes for the run command.
const (
	ExitSuccess          = 0
	ExitFailure          = 1
	ExitPolicyDenied     = 2
	ExitAgentUnavailable = 3
	ExitTimeout          = 4
)

var (
	runPrompts    []string
	runPromptFile string
	runWorkflowID string
	runOverrides  runFlags
)

// runFlags mirror AgentOptions; only flags the user set are applied.
type runFlags struct {
	systemMessage   string
	maxTurns        int
	fileAccess      bool
	codeExecution   bool
	bashCommands    bool
	allowedCommands string
	workspacePath   string
	timeoutMs       int
	steps           bool
	streaming       bool
	continueOnFail  bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run prompts through the supervised agent and print the results as JSON",
	Long: `Run one or more prompts through the agent. Each prompt is one item of
the batch; all items share a workspace that is removed when the batch ends.

Examples:
  overseer run -p "create hello.py that prints hello and run it" --code
  overseer run -p "list the files" --bash --allowed-commands "ls,cat"
  overseer run --file prompts.txt --continue-on-fail

Exit codes:
  0  success
  1  execution failure
  2  blocked by policy or invalid options
  3  agent backend or credential unavailable
  4  deadline exceeded`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringArrayVarP(&runPrompts, "prompt", "p", nil, "prompt to run (repeatable)")
	f.StringVar(&runPromptFile, "file", "", "read prompts from a file, one per line (\"-\" for stdin)")
	f.StringVar(&runWorkflowID, "workflow-id", "", "workflow ID recorded in the audit trail (default: generated)")

	addOptionFlags(f)
}

// addOptionFlags registers the agent option flags shared by run and chat.
func addOptionFlags(f *pflag.FlagSet) {
	f.StringVar(&runOverrides.systemMessage, "system", "", "system message placed before the workspace description")
	f.IntVar(&runOverrides.maxTurns, "max-turns", config.DefaultMaxTurns, "maximum agent turns per prompt")
	f.BoolVar(&runOverrides.fileAccess, "files", false, "enable file read/write tools")
	f.BoolVar(&runOverrides.codeExecution, "code", false, "enable the code execution tool")
	f.BoolVar(&runOverrides.bashCommands, "bash", false, "enable the shell tool")
	f.StringVar(&runOverrides.allowedCommands, "allowed-commands", config.DefaultAllowedCommands, "comma-separated shell commands the agent may run")
	f.StringVar(&runOverrides.workspacePath, "workspace", "", "absolute workspace directory (default: a fresh temp directory)")
	f.IntVar(&runOverrides.timeoutMs, "timeout-ms", config.DefaultTimeoutMs, "wall-clock budget per prompt in milliseconds")
	f.BoolVar(&runOverrides.steps, "steps", false, "return every intermediate message instead of a summary")
	f.BoolVar(&runOverrides.streaming, "streaming", true, "keep intermediate messages (required by --steps)")
	f.BoolVar(&runOverrides.continueOnFail, "continue-on-fail", false, "record failures and keep going instead of aborting")
}

// overrides converts the flags the user actually set.
func (r *runFlags) overrides(cmd *cobra.Command) *config.AgentOverrides {
	o := &config.AgentOverrides{}
	changed := cmd.Flags().Changed
	if changed("system") {
		o.SystemMessage = &r.systemMessage
	}
	if changed("max-turns") {
		o.MaxTurns = &r.maxTurns
	}
	if changed("files") {
		o.EnableFileAccess = &r.fileAccess
	}
	if changed("code") {
		o.EnableCodeExecution = &r.codeExecution
	}
	if changed("bash") {
		o.EnableBashCommands = &r.bashCommands
	}
	if changed("allowed-commands") {
		o.AllowedCommands = &r.allowedCommands
	}
	if changed("workspace") {
		o.WorkspacePath = &r.workspacePath
	}
	if changed("timeout-ms") {
		o.TimeoutMs = &r.timeoutMs
	}
	if changed("steps") {
		o.ReturnIntermediateSteps = &r.steps
	}
	if changed("streaming") {
		o.EnableStreaming = &r.streaming
	}
	if changed("continue-on-fail") {
		o.ContinueOnFail = &r.continueOnFail
	}
	return o
}

func runRun(cmd *cobra.Command, _ []string) error {
	prompts, err := collectPrompts(runPrompts, runPromptFile)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return fmt.Errorf("no prompts: use -p or --file")
	}

	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	defer sc.Cleanup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := agent.Options{
		AgentOptions: runOverrides.overrides(cmd).Apply(cfg.Agent),
		WorkflowID:   runWorkflowID,
		ExecutionID:  uuid.NewString(),
		Actor:        "cli",
	}
	if opts.WorkflowID == "" {
		opts.WorkflowID = uuid.NewString()
	}

	items := make([]agent.Item, len(prompts))
	for i, p := range prompts {
		items[i] = agent.Item{Prompt: p}
	}

	results, runErr := sc.Supervisor.Run(ctx, items, opts)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if len(results) > 0 {
		_ = enc.Encode(results)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		sc.Cleanup()
		os.Exit(exitCode(runErr))
	}
	return nil
}

// collectPrompts merges -p values with the lines of the prompt file.
func collectPrompts(flags []string, file string) ([]string, error) {
	prompts := append([]string(nil), flags...)
	if file == "" {
		return prompts, nil
	}

	in := os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("opening prompt file: %w", err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			prompts = append(prompts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading prompt file: %w", err)
	}
	return prompts, nil
}

// exitCode maps supervision failures to process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, security.ErrCommandBlocked),
		errors.Is(err, security.ErrForbiddenPath),
		errors.Is(err, security.ErrInvalidConfiguration),
		errors.Is(err, security.ErrMissingInput):
		return ExitPolicyDenied
	case errors.Is(err, security.ErrCredentialMissing),
		errors.Is(err, security.ErrUpstreamStream):
		return ExitAgentUnavailable
	case errors.Is(err, security.ErrExecutionTimeout):
		return ExitTimeout
	default:
		return ExitFailure
	}
}
