package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepType is the closed set of workflow step kinds.
type StepType string

const (
	StepAction        StepType = "action"
	StepAgentRun      StepType = "agent_run"
	StepHumanApproval StepType = "human_approval"
)

// WorkflowStep is one entry of a rule's ordered actions.
type WorkflowStep struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	Type            StepType       `json:"type"`
	ActionType      string         `json:"actionType,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	Agent           string         `json:"agent,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	ApprovalMessage string         `json:"approvalMessage,omitempty"`
	TimeoutHours    int            `json:"timeoutHours,omitempty"`
}

// DefaultApprovalTimeoutHours applies when an approval step omits a timeout.
const DefaultApprovalTimeoutHours = 72

// Validate checks the per-type required fields.
func (s WorkflowStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step id is required")
	}
	switch s.Type {
	case StepAction:
		if strings.TrimSpace(s.ActionType) == "" {
			return fmt.Errorf("step %s: actionType is required", s.ID)
		}
	case StepAgentRun:
		if strings.TrimSpace(s.Agent) == "" {
			return fmt.Errorf("step %s: agent is required", s.ID)
		}
	case StepHumanApproval:
		if s.TimeoutHours < 0 {
			return fmt.Errorf("step %s: timeoutHours must be >= 0", s.ID)
		}
	default:
		return fmt.Errorf("step %s: unsupported type %q", s.ID, s.Type)
	}
	return nil
}

// ApprovalTimeout returns the configured approval window.
func (s WorkflowStep) ApprovalTimeout() time.Duration {
	h := s.TimeoutHours
	if h <= 0 {
		h = DefaultApprovalTimeoutHours
	}
	return time.Duration(h) * time.Hour
}

// DataCondition selects rows of a user database.
type DataCondition struct {
	DatabaseID   string `json:"databaseId"`
	Column       string `json:"column"`
	Operator     string `json:"operator"`
	Value        string `json:"value,omitempty"`
	PeriodColumn string `json:"periodColumn,omitempty"`
}

// Condition operators.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpContains   = "contains"
	OpIsEmpty    = "is_empty"
	OpIsNotEmpty = "is_not_empty"
)

// Validate checks the condition names a target and a known operator.
func (c DataCondition) Validate() error {
	if strings.TrimSpace(c.DatabaseID) == "" {
		return errors.New("data condition databaseId is required")
	}
	if strings.TrimSpace(c.Column) == "" {
		return errors.New("data condition column is required")
	}
	switch c.Operator {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpIsEmpty, OpIsNotEmpty:
		return nil
	default:
		return fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

// RuleConditions holds the trigger-specific configuration of a rule.
type RuleConditions struct {
	DatabaseID      string         `json:"databaseId,omitempty"`
	LineageID       string         `json:"lineageId,omitempty"`
	Data            *DataCondition `json:"data,omitempty"`
	SettlingMinutes int            `json:"settlingMinutes,omitempty"`
}

// AutomationRule is the durable configuration of one automation.
type AutomationRule struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Name           string         `json:"name"`
	Trigger        TriggerType    `json:"trigger"`
	Conditions     RuleConditions `json:"conditions"`
	CronExpression string         `json:"cronExpression,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	Actions        []WorkflowStep `json:"actions"`
	IsActive       bool           `json:"isActive"`
	ArmedAt        *time.Time     `json:"armedAt,omitempty"`
	DataSettledAt  *time.Time     `json:"dataSettledAt,omitempty"`
	NextRunAt      *time.Time     `json:"nextRunAt,omitempty"`
	LastRunAt      *time.Time     `json:"lastRunAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// SettlingWindow is how long a compound rule's data must keep matching.
func (r AutomationRule) SettlingWindow() time.Duration {
	if r.Conditions.SettlingMinutes <= 0 {
		return 0
	}
	return time.Duration(r.Conditions.SettlingMinutes) * time.Minute
}

// CompoundState reads the rule's compound runtime fields as a state value.
func (r AutomationRule) CompoundState() CompoundState {
	return CompoundStateOf(r.ArmedAt, r.DataSettledAt)
}

// Validate checks the rule definition. It does not parse the cron
// expression; callers with a cron parser do that.
func (r AutomationRule) Validate() error {
	if strings.TrimSpace(r.OrganizationID) == "" {
		return errors.New("organizationId is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if _, err := ParseTriggerType(string(r.Trigger)); err != nil {
		return err
	}
	switch r.Trigger {
	case TriggerScheduled:
		if strings.TrimSpace(r.CronExpression) == "" {
			return errors.New("cronExpression is required for scheduled rules")
		}
	case TriggerDataCondition:
		if r.Conditions.Data == nil {
			return errors.New("conditions.data is required for data_condition rules")
		}
		if err := r.Conditions.Data.Validate(); err != nil {
			return err
		}
	case TriggerCompound:
		if strings.TrimSpace(r.CronExpression) == "" {
			return errors.New("cronExpression is required for compound rules")
		}
		if r.Conditions.Data != nil {
			if err := r.Conditions.Data.Validate(); err != nil {
				return err
			}
		}
		if r.Conditions.SettlingMinutes < 0 {
			return errors.New("settlingMinutes must be >= 0")
		}
	case TriggerBoardCreated, TriggerDatabaseChanged, TriggerDataUploaded, TriggerFormSubmitted:
	}
	if len(r.Actions) == 0 {
		return errors.New("at least one action step is required")
	}
	seen := map[string]struct{}{}
	for _, s := range r.Actions {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}
