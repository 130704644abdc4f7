package models

import (
	"time"
)

// RunStatus enumerates lifecycle states persisted in Postgres.
type RunStatus string

const (
	RunPending         RunStatus = "PENDING"
	RunRunning         RunStatus = "RUNNING"
	RunWaitingApproval RunStatus = "WAITING_APPROVAL"
	RunCompleted       RunStatus = "COMPLETED"
	RunFailed          RunStatus = "FAILED"
	RunCancelled       RunStatus = "CANCELLED"
)

// ParseRunStatus validates a query value.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch st := RunStatus(s); st {
	case RunPending, RunRunning, RunWaitingApproval, RunCompleted, RunFailed, RunCancelled:
		return st, true
	default:
		return "", false
	}
}

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// AllowedFrom lists the statuses a run may be in to move to s.
func AllowedFrom(to RunStatus) []RunStatus {
	switch to {
	case RunRunning:
		return []RunStatus{RunPending, RunRunning}
	case RunPending:
		return []RunStatus{RunWaitingApproval}
	case RunWaitingApproval:
		return []RunStatus{RunRunning}
	case RunCompleted:
		return []RunStatus{RunRunning}
	case RunFailed:
		return []RunStatus{RunPending, RunRunning, RunWaitingApproval}
	case RunCancelled:
		return []RunStatus{RunPending, RunRunning, RunWaitingApproval}
	default:
		return nil
	}
}

// CanTransition reports whether from -> to is a legal run transition.
func CanTransition(from, to RunStatus) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

// Failure codes distinguish why a run ended in FAILED.
const (
	FailureStepFailed       = "step_failed"
	FailureApprovalRejected = "approval_rejected"
	FailureApprovalTimeout  = "approval_timeout"
	FailureInvalidRule      = "invalid_rule"
)

// Step result statuses.
const (
	StepSucceeded       = "succeeded"
	StepFailed          = "failed"
	StepWaitingApproval = "waiting_approval"
	StepApproved        = "approved"
	StepRejected        = "rejected"
	StepTimedOut        = "timed_out"
)

// StepResult records the outcome of one step of a run.
type StepResult struct {
	StepID           string         `json:"stepId"`
	StepType         StepType       `json:"stepType"`
	ActionType       string         `json:"actionType,omitempty"`
	Status           string         `json:"status"`
	Detail           string         `json:"detail,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	Error            string         `json:"error,omitempty"`
	ApprovalMessage  string         `json:"approvalMessage,omitempty"`
	ApprovalDeadline *time.Time     `json:"approvalDeadline,omitempty"`
	ResolvedBy       string         `json:"resolvedBy,omitempty"`
	StartedAt        time.Time      `json:"startedAt"`
	FinishedAt       *time.Time     `json:"finishedAt,omitempty"`
}

// WorkflowRun is one execution attempt of a rule against one occurrence.
type WorkflowRun struct {
	ID               string         `json:"id"`
	AutomationRuleID string         `json:"automationRuleId"`
	OrganizationID   string         `json:"organizationId"`
	Status           RunStatus      `json:"status"`
	CurrentStepID    string         `json:"currentStepId,omitempty"`
	CurrentStepIndex int            `json:"currentStepIndex"`
	StepResults      []StepResult   `json:"stepResults"`
	TriggerContext   TriggerContext `json:"triggerContext"`
	TriggeredBy      string         `json:"triggeredBy"`
	IdempotencyKey   string         `json:"idempotencyKey"`
	ApprovalDeadline *time.Time     `json:"approvalDeadline,omitempty"`
	FailureCode      *string        `json:"failureCode,omitempty"`
	FailureReason    *string        `json:"failureReason,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	ClaimedAt        *time.Time     `json:"claimedAt,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`

	// Populated by list queries for display.
	RuleName    string      `json:"ruleName,omitempty"`
	RuleTrigger TriggerType `json:"ruleTrigger,omitempty"`
}

// RunFilter narrows the run query surface.
type RunFilter struct {
	OrganizationID string
	Status         RunStatus
	RuleID         string
	Limit          int
	Offset         int
}

// RunUpdate is the set of fields written together with a status transition.
type RunUpdate struct {
	CurrentStepIndex *int
	CurrentStepID    *string
	StepResults      []StepResult
	ApprovalDeadline *time.Time
	ClearDeadline    bool
	FailureCode      string
	FailureReason    string
}

// ExecutionMessage builds the hand-off message that asks an executor to
// advance this run.
func (r WorkflowRun) ExecutionMessage() ExecutionMessage {
	return ExecutionMessage{
		AutomationRuleID: r.AutomationRuleID,
		WorkflowRunID:    r.ID,
		OrganizationID:   r.OrganizationID,
		TriggerContext:   r.TriggerContext,
	}
}
