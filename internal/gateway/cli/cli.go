// Package cli implements an interactive CLI gateway for overseer.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/overseer/internal/agent"
	"github.com/jkaninda/overseer/internal/gateway"
)

const cliActor = "cli-user"

// Gateway is the interactive command-line interface. Every line typed is
// run as a single-item batch under the same workflow ID.
type Gateway struct {
	runner     gateway.Runner
	opts       agent.Options
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	logger     *slog.Logger
	done       chan struct{} // closed by Stop to signal shutdown
	workflowID string        // persistent for the entire CLI session
}

// NewGateway creates a CLI gateway reading prompts from in and printing
// results to out. Errors go to errOut.
func NewGateway(r gateway.Runner, opts agent.Options, in io.Reader, out, errOut io.Writer, logger *slog.Logger) *Gateway {
	if opts.Actor == "" {
		opts.Actor = cliActor
	}
	return &Gateway{
		runner:     r,
		opts:       opts,
		in:         in,
		out:        out,
		errOut:     errOut,
		logger:     logger,
		done:       make(chan struct{}),
		workflowID: uuid.New().String(),
	}
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)

	fmt.Fprintln(g.out, "Overseer: supervised agent runs in a throwaway workspace.")
	fmt.Fprintln(g.out, "Type a prompt (or \"exit\" to quit).")
	fmt.Fprintln(g.out)

	for {
		fmt.Fprint(g.out, "overseer> ")

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		}

		opts := g.opts
		opts.WorkflowID = g.workflowID
		opts.ExecutionID = uuid.New().String()

		g.logger.DebugContext(ctx, "cli run",
			slog.String("workflow_id", opts.WorkflowID),
			slog.String("execution_id", opts.ExecutionID),
		)

		results, err := g.runner.Run(ctx, []agent.Item{{Prompt: line}}, opts)
		if err != nil {
			g.logger.ErrorContext(ctx, "run failed",
				slog.String("execution_id", opts.ExecutionID),
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(g.errOut, "Error: %v\n", err)
			continue
		}

		fmt.Fprintln(g.out)
		for _, r := range results {
			g.print(r)
		}
		fmt.Fprintln(g.out)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) print(r agent.Output) {
	switch {
	case r.Failure != nil:
		fmt.Fprintf(g.errOut, "Error: %s\n", r.Failure.Error)
	case r.Summary != nil:
		fmt.Fprintln(g.out, r.Summary.Output)
	default:
		enc := json.NewEncoder(g.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
	}
}
