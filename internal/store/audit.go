package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"automation-engine/internal/models"
)

// AppendAudit inserts one audit row. Rows are never updated or deleted.
func (s *Store) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	if e.Actor == "" {
		e.Actor = models.ActorSystem
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_logs (run_id, step_id, action_type, target_type, target_id, outcome, detail, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, e.RunID, emptyToNil(e.StepID), e.ActionType, emptyToNil(e.TargetType), emptyToNil(e.TargetID), e.Outcome,
		emptyToNil(e.Detail), e.Actor, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAudit returns a run's audit trail in insertion order.
func (s *Store) ListAudit(ctx context.Context, runID string) ([]models.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step_id, action_type, target_type, target_id, outcome, detail, actor, created_at
		FROM audit_logs WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()
	out := []models.AuditLogEntry{}
	for rows.Next() {
		var (
			e                                    models.AuditLogEntry
			stepID, targetType, targetID, detail pgtype.Text
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.ActionType, &targetType, &targetID, &e.Outcome, &detail,
			&e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.StepID = textValue(stepID)
		e.TargetType = textValue(targetType)
		e.TargetID = textValue(targetID)
		e.Detail = textValue(detail)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return out, nil
}
