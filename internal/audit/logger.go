// Package audit records step-level actions of workflow runs. Audit writes
// are best effort: a failed append is logged and never changes run state.
package audit

import (
	"context"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/models"
)

// Store is the persistence the logger appends to.
type Store interface {
	AppendAudit(ctx context.Context, e *models.AuditLogEntry) error
	ListAudit(ctx context.Context, runID string) ([]models.AuditLogEntry, error)
}

// Entry is one audit record before it is stored.
type Entry struct {
	RunID      string
	StepID     string
	ActionType string
	TargetType string
	TargetID   string
	Outcome    string
	Detail     string
	Actor      string
}

// Logger appends audit entries.
type Logger struct {
	store Store
	log   *logrus.Entry
}

func NewLogger(store Store, log *logrus.Entry) *Logger {
	return &Logger{store: store, log: log.WithField("component", "audit")}
}

// Record appends e. It returns nothing; failures go to the service log.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil || l.store == nil {
		return
	}
	actor := e.Actor
	if actor == "" {
		actor = models.ActorSystem
	}
	row := &models.AuditLogEntry{
		RunID:      e.RunID,
		StepID:     e.StepID,
		ActionType: e.ActionType,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Outcome:    e.Outcome,
		Detail:     e.Detail,
		Actor:      actor,
	}
	// The run may have been cancelled with ctx; the entry still belongs in the trail.
	if err := l.store.AppendAudit(context.WithoutCancel(ctx), row); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"run_id":      e.RunID,
			"step_id":     e.StepID,
			"action_type": e.ActionType,
			"outcome":     e.Outcome,
		}).Warn("audit append failed")
	}
}

// ListForRun returns the run's entries in insertion order.
func (l *Logger) ListForRun(ctx context.Context, runID string) ([]models.AuditLogEntry, error) {
	return l.store.ListAudit(ctx, runID)
}
