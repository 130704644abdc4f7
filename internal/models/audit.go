package models

import "time"

// ActorSystem is recorded for entries not caused by a person.
const ActorSystem = "system"

// Audit outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSuspended = "suspended"
	OutcomeApproved  = "approved"
	OutcomeRejected  = "rejected"
	OutcomeTimedOut  = "timed_out"
	OutcomeCancelled = "cancelled"
	OutcomeCompleted = "completed"
	OutcomeStarted   = "started"
)

// AuditLogEntry is an append-only record of a step-level action.
type AuditLogEntry struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"runId"`
	StepID     string    `json:"stepId,omitempty"`
	ActionType string    `json:"actionType"`
	TargetType string    `json:"targetType,omitempty"`
	TargetID   string    `json:"targetId,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"createdAt"`
}
