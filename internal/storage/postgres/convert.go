package postgres

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jkaninda/overseer/internal/security"
)

func toAuditModel(e security.AuditEvent) (AuditEventModel, error) {
	detail := []byte("{}")
	if len(e.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return AuditEventModel{}, err
		}
	}
	return AuditEventModel{
		ID:          uuid.New(),
		Sequence:    e.Sequence,
		WorkflowID:  e.WorkflowID,
		ExecutionID: e.ExecutionID,
		Action:      e.Action,
		Actor:       e.Actor,
		Detail:      string(detail),
		CreatedAt:   e.Timestamp,
	}, nil
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	e := security.AuditEvent{
		Sequence:    m.Sequence,
		Timestamp:   m.CreatedAt.UTC(),
		Action:      m.Action,
		WorkflowID:  m.WorkflowID,
		ExecutionID: m.ExecutionID,
		Actor:       m.Actor,
	}
	if m.Detail != "" && m.Detail != "{}" {
		_ = json.Unmarshal([]byte(m.Detail), &e.Detail)
	}
	return e
}
