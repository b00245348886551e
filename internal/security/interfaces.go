package security

import (
	"context"
	"log/slog"
)

// AuditStore is an append-only store for audit events.
// Append-only: there are no update or delete methods.
type AuditStore interface {
	// Append writes a single audit event. Never updates or deletes.
	Append(ctx context.Context, event AuditEvent) error
}

// StoreSink adapts an AuditStore to the AuditSink contract and logs
// persistence failures before handing them back to the recorder.
type StoreSink struct {
	store  AuditStore
	logger *slog.Logger
}

// NewStoreSink creates a database-backed audit sink.
func NewStoreSink(store AuditStore, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{store: store, logger: logger}
}

func (s *StoreSink) Append(ctx context.Context, event AuditEvent) error {
	if err := s.store.Append(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit event",
			slog.String("action", event.Action),
			slog.String("execution_id", event.ExecutionID),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.DebugContext(ctx, "audit event persisted",
		slog.String("action", event.Action),
		slog.Uint64("seq", event.Sequence),
	)
	return nil
}
