package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"automation-engine/internal/models"
)

// ActionRequest is the body sent to an action implementation.
type ActionRequest struct {
	RunID          string                `json:"runId"`
	StepID         string                `json:"stepId"`
	ActionType     string                `json:"actionType"`
	ActionParams   map[string]any        `json:"actionParams"`
	TriggerContext models.TriggerContext `json:"triggerContext"`
}

// ActionResult is what an action reports back.
type ActionResult struct {
	Success bool           `json:"success"`
	Detail  string         `json:"detail,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// ActionDispatcher runs one action step.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// AgentRequest asks the agent service for one run.
type AgentRequest struct {
	RunID          string                `json:"runId"`
	StepID         string                `json:"stepId"`
	Agent          string                `json:"agent"`
	Input          map[string]any        `json:"input,omitempty"`
	TriggerContext models.TriggerContext `json:"triggerContext"`
}

// AgentRunner runs one agent step and returns its structured output.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest) (map[string]any, error)
}

// ActionHandler executes an action in-process.
type ActionHandler func(ctx context.Context, req ActionRequest) (ActionResult, error)

// ActionRegistry routes action steps by actionType. Types without a
// registered handler go to the fallback, usually the business-actions
// service.
type ActionRegistry struct {
	handlers map[string]ActionHandler
	fallback ActionDispatcher
}

func NewActionRegistry(fallback ActionDispatcher) *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler), fallback: fallback}
}

// RegisterHandler binds a handler to an action type.
func (r *ActionRegistry) RegisterHandler(actionType string, handler ActionHandler) {
	if actionType == "" || handler == nil {
		return
	}
	r.handlers[actionType] = handler
}

// Dispatch implements ActionDispatcher.
func (r *ActionRegistry) Dispatch(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if h, ok := r.handlers[req.ActionType]; ok {
		return h(ctx, req)
	}
	if r.fallback == nil {
		return ActionResult{}, fmt.Errorf("no handler registered for action %q", req.ActionType)
	}
	return r.fallback.Dispatch(ctx, req)
}

var placeholder = regexp.MustCompile(`\{\{\s*(trigger|metadata)\.([A-Za-z0-9_\-]+)\s*\}\}`)

// Substitute resolves {{trigger.*}} and {{metadata.*}} placeholders in
// params against tc. A string that is exactly one placeholder takes the raw
// value, keeping its type; placeholders inside longer strings are formatted.
// Unknown placeholders are left as written.
func Substitute(params map[string]any, tc models.TriggerContext) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = substituteValue(v, tc)
	}
	return out
}

func substituteValue(v any, tc models.TriggerContext) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, tc)
	case map[string]any:
		return Substitute(t, tc)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substituteValue(item, tc)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, tc models.TriggerContext) any {
	if m := placeholder.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if val, ok := lookup(m[1], m[2], tc); ok {
			return val
		}
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		val, ok := lookup(m[1], m[2], tc)
		if !ok {
			return match
		}
		return fmt.Sprint(val)
	})
}

func lookup(scope, key string, tc models.TriggerContext) (any, bool) {
	switch scope {
	case "trigger":
		switch key {
		case "triggerType":
			return string(tc.TriggerType), true
		case "occurrenceId":
			return tc.OccurrenceID, true
		case "organizationId":
			return tc.OrganizationID, true
		}
	case "metadata":
		if v, ok := tc.Metadata[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}
