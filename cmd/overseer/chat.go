package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/overseer/internal/agent"
	"github.com/jkaninda/overseer/internal/gateway/cli"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive prompt; each line is a supervised run",
	RunE:  runChat,
}

func init() {
	addOptionFlags(chatCmd.Flags())
}

func runChat(cmd *cobra.Command, _ []string) error {
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

	opts := agent.Options{AgentOptions: runOverrides.overrides(cmd).Apply(cfg.Agent)}
	return cli.NewGateway(sc.Supervisor, opts, os.Stdin, os.Stdout, os.Stderr, logger).Start(ctx)
}
