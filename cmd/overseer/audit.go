package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/overseer/internal/storage"
)

var (
	auditWorkflowID  string
	auditExecutionID string
	auditAction      string
	auditSince       time.Duration
	auditLimit       int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print stored audit events as JSON lines",
	Long: `Query the audit database.

Examples:
  overseer audit --workflow 5f0c...
  overseer audit --action run.failed --since 24h`,
	RunE: runAudit,
}

func init() {
	f := auditCmd.Flags()
	f.StringVar(&auditWorkflowID, "workflow", "", "filter by workflow ID")
	f.StringVar(&auditExecutionID, "execution", "", "filter by execution ID")
	f.StringVar(&auditAction, "action", "", "filter by action (e.g. run.failed)")
	f.DurationVar(&auditSince, "since", 0, "only events newer than this (e.g. 1h)")
	f.IntVar(&auditLimit, "limit", 100, "maximum number of events")
}

func runAudit(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	q := storage.AuditQuery{
		WorkflowID:  auditWorkflowID,
		ExecutionID: auditExecutionID,
		Action:      auditAction,
		Limit:       auditLimit,
	}
	if auditSince > 0 {
		q.Since = time.Now().Add(-auditSince)
	}

	events, err := store.Audit().Query(context.Background(), q)
	if err != nil {
		return fmt.Errorf("querying audit events: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
