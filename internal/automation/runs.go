package automation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/models"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
)

// BuildIdempotencyKey identifies "this rule reacting to this occurrence".
func BuildIdempotencyKey(ruleID string, trigger models.TriggerType, occurrenceID string) string {
	return ruleID + ":" + string(trigger) + ":" + occurrenceID
}

// CreateRunParams describes one run to create.
type CreateRunParams struct {
	Rule           models.AutomationRule
	TriggerContext models.TriggerContext
	TriggeredBy    string
	// IdempotencyKey defaults to BuildIdempotencyKey over the rule and context.
	IdempotencyKey string
	// Swap, when set, commits the compound-state transition with the insert.
	Swap *store.CompoundSwap
}

// RunCreator is the single place runs come into existence.
type RunCreator struct {
	runs RunInserter
	log  *logrus.Entry
}

func NewRunCreator(runs RunInserter, log *logrus.Entry) *RunCreator {
	return &RunCreator{runs: runs, log: log.WithField("component", "run_creator")}
}

// Create inserts the run. A nil run with a nil error means the occurrence
// was already handled.
func (c *RunCreator) Create(ctx context.Context, p CreateRunParams) (*models.WorkflowRun, error) {
	tc := p.TriggerContext
	if tc.OrganizationID == "" {
		tc.OrganizationID = p.Rule.OrganizationID
	}
	key := p.IdempotencyKey
	if key == "" {
		key = BuildIdempotencyKey(p.Rule.ID, tc.TriggerType, tc.OccurrenceID)
	}
	triggeredBy := p.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.ActorSystem
	}
	run := &models.WorkflowRun{
		AutomationRuleID: p.Rule.ID,
		OrganizationID:   p.Rule.OrganizationID,
		Status:           models.RunPending,
		TriggerContext:   tc,
		TriggeredBy:      triggeredBy,
		IdempotencyKey:   key,
		RuleName:         p.Rule.Name,
		RuleTrigger:      p.Rule.Trigger,
	}
	if len(p.Rule.Actions) > 0 {
		run.CurrentStepID = p.Rule.Actions[0].ID
	}

	created, err := c.runs.InsertRun(ctx, run, p.Swap)
	if err != nil {
		return nil, fmt.Errorf("create run for rule %s: %w", p.Rule.ID, err)
	}
	fields := logrus.Fields{"rule_id": p.Rule.ID, "trigger": tc.TriggerType, "idempotency_key": key}
	if !created {
		telemetry.DuplicateOccurrences.WithLabelValues(string(tc.TriggerType)).Inc()
		c.log.WithFields(fields).Info("occurrence already handled; no run created")
		return nil, nil
	}
	telemetry.RunsCreated.WithLabelValues(string(tc.TriggerType)).Inc()
	c.log.WithFields(fields).WithField("run_id", run.ID).Info("workflow run created")
	return run, nil
}
