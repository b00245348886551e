package postgres

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence    uint64    `gorm:"not null"`
	WorkflowID  string    `gorm:"index"`
	ExecutionID string    `gorm:"index"`
	Action      string    `gorm:"not null;index"`
	Actor       string    `gorm:"not null"`
	Detail      string    `gorm:"type:text;not null;default:'{}'"`
	CreatedAt   time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&AuditEventModel{}}
}
