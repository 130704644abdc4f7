package models

import "fmt"

// TriggerType is the closed set of occurrence kinds the engine reacts to.
type TriggerType string

const (
	TriggerBoardCreated    TriggerType = "board_created"
	TriggerScheduled       TriggerType = "scheduled"
	TriggerDataCondition   TriggerType = "data_condition"
	TriggerCompound        TriggerType = "compound"
	TriggerDatabaseChanged TriggerType = "database_changed"
	TriggerDataUploaded    TriggerType = "data_uploaded"
	TriggerFormSubmitted   TriggerType = "form_submitted"
)

// ParseTriggerType validates a wire value against the known trigger types.
func ParseTriggerType(s string) (TriggerType, error) {
	t := TriggerType(s)
	switch t {
	case TriggerBoardCreated, TriggerScheduled, TriggerDataCondition, TriggerCompound,
		TriggerDatabaseChanged, TriggerDataUploaded, TriggerFormSubmitted:
		return t, nil
	default:
		return "", fmt.Errorf("unknown trigger type %q", s)
	}
}

// ChangesData reports whether an occurrence of this type means the
// underlying row data of a database changed.
func (t TriggerType) ChangesData() bool {
	switch t {
	case TriggerDatabaseChanged, TriggerDataUploaded:
		return true
	case TriggerBoardCreated, TriggerScheduled, TriggerDataCondition, TriggerCompound, TriggerFormSubmitted:
		return false
	default:
		return false
	}
}

// TimeDriven reports whether rules of this type are discovered by the
// scheduler rather than raised by an external event.
func (t TriggerType) TimeDriven() bool {
	switch t {
	case TriggerScheduled, TriggerDataCondition, TriggerCompound:
		return true
	case TriggerBoardCreated, TriggerDatabaseChanged, TriggerDataUploaded, TriggerFormSubmitted:
		return false
	default:
		return false
	}
}

// Metadata keys understood by the rule matcher.
const (
	MetaDatabaseID = "databaseId"
	MetaLineageID  = "lineageId"
	MetaBoardID    = "boardId"
)

// TriggerContext describes the occurrence that caused a run.
type TriggerContext struct {
	TriggerType    TriggerType    `json:"triggerType"`
	OccurrenceID   string         `json:"occurrenceId"`
	OrganizationID string         `json:"organizationId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// MetaString returns a metadata value as a string, or "" when absent.
func (c TriggerContext) MetaString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	switch v := c.Metadata[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Occurrence is the inbound trigger message.
type Occurrence struct {
	TriggerType    TriggerType    `json:"triggerType"`
	TriggerEventID string         `json:"triggerEventId"`
	OrganizationID string         `json:"organizationId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Context converts the occurrence into the value embedded in runs.
func (o Occurrence) Context() TriggerContext {
	return TriggerContext{
		TriggerType:    o.TriggerType,
		OccurrenceID:   o.TriggerEventID,
		OrganizationID: o.OrganizationID,
		Metadata:       o.Metadata,
	}
}

// ExecutionMessage is the hand-off from dispatcher/scheduler to the executor.
type ExecutionMessage struct {
	AutomationRuleID string         `json:"automationRuleId"`
	WorkflowRunID    string         `json:"workflowRunId"`
	OrganizationID   string         `json:"organizationId"`
	TriggerContext   TriggerContext `json:"triggerContext"`
}
