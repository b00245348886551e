// Package gateway defines the interface for user-facing entry points.
package gateway

import (
	"context"

	"github.com/jkaninda/overseer/internal/agent"
)

// Gateway is a user-facing entry point (CLI, HTTP, MCP).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight runs should drain before returning.
	Stop(ctx context.Context) error
}

// Runner executes a batch of prompts under supervision. *agent.Supervisor
// implements it.
type Runner interface {
	Run(ctx context.Context, items []agent.Item, opts agent.Options) ([]agent.Output, error)
}
