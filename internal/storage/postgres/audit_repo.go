package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/storage"
)

// AuditRepository implements storage.AuditStore on any GORM dialect.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model, err := toAuditModel(event)
	if err != nil {
		return fmt.Errorf("encoding audit detail: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns matching events oldest first.
func (r *AuditRepository) Query(ctx context.Context, q storage.AuditQuery) ([]security.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	tx := r.db.WithContext(ctx).Order("created_at ASC, sequence ASC").Limit(limit)
	if q.WorkflowID != "" {
		tx = tx.Where("workflow_id = ?", q.WorkflowID)
	}
	if q.ExecutionID != "" {
		tx = tx.Where("execution_id = ?", q.ExecutionID)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since)
	}

	var models []AuditEventModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

var _ storage.AuditStore = (*AuditRepository)(nil)
