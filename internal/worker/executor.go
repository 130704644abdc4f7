package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/audit"
	"automation-engine/internal/models"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
)

// RunStore is the run persistence used by the executor and control surface.
type RunStore interface {
	GetRun(ctx context.Context, id string) (models.WorkflowRun, error)
	GetRule(ctx context.Context, id string) (models.AutomationRule, error)
	ClaimRun(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, upd models.RunUpdate) (bool, error)
	ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]models.WorkflowRun, error)
	TakeStaleRuns(ctx context.Context, pendingBefore, claimedBefore time.Time, limit int) ([]models.WorkflowRun, error)
}

// Executor advances one workflow run through its steps.
type Executor struct {
	store      RunStore
	actions    ActionDispatcher
	agents     AgentRunner
	audit      *audit.Logger
	log        *logrus.Entry
	staleAfter time.Duration
	now        func() time.Time
}

// NewExecutor builds an executor. staleAfter is how long a RUNNING claim
// survives before another executor may take the run over.
func NewExecutor(st RunStore, actions ActionDispatcher, agents AgentRunner, auditLog *audit.Logger, staleAfter time.Duration, log *logrus.Entry) *Executor {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Executor{
		store:      st,
		actions:    actions,
		agents:     agents,
		audit:      auditLog,
		log:        log.WithField("component", "executor"),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// stepOutcome is the result of one step before it is persisted.
type stepOutcome struct {
	result  models.StepResult
	failed  bool
	suspend bool
}

// Execute claims the run named by msg and runs its remaining steps. Step
// failures end the run and return nil; only infrastructure errors are
// returned, so the caller can redeliver.
func (e *Executor) Execute(ctx context.Context, msg models.ExecutionMessage) error {
	log := e.log.WithFields(logrus.Fields{"run_id": msg.WorkflowRunID, "rule_id": msg.AutomationRuleID})
	now := e.now().UTC()
	claimed, err := e.store.ClaimRun(ctx, msg.WorkflowRunID, now, now.Add(-e.staleAfter))
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("run not claimable (already running, suspended or finished); skipping delivery")
		return nil
	}

	run, err := e.store.GetRun(ctx, msg.WorkflowRunID)
	if err != nil {
		return err
	}
	rule, err := e.store.GetRule(ctx, run.AutomationRuleID)
	if errors.Is(err, store.ErrNotFound) {
		const reason = "automation rule no longer exists"
		e.audit.Record(ctx, audit.Entry{RunID: run.ID, ActionType: "run", TargetType: "automation_rule",
			TargetID: run.AutomationRuleID, Outcome: models.OutcomeFailed, Detail: reason})
		return e.fail(ctx, log, run, models.FailureInvalidRule, reason, run.StepResults)
	}
	if err != nil {
		return err
	}
	if run.StepResults == nil {
		run.StepResults = []models.StepResult{}
	}
	if run.CurrentStepIndex == 0 && len(run.StepResults) == 0 {
		e.audit.Record(ctx, audit.Entry{RunID: run.ID, ActionType: "run", TargetType: "automation_rule", TargetID: rule.ID, Outcome: models.OutcomeStarted})
	}

	results := run.StepResults
	for idx := run.CurrentStepIndex; idx < len(rule.Actions); idx++ {
		step := rule.Actions[idx]
		stepLog := log.WithFields(logrus.Fields{"step_id": step.ID, "step_type": string(step.Type), "step_index": idx})

		out := e.runStep(ctx, run, step)
		results = append(results, out.result)
		telemetry.StepsExecuted.WithLabelValues(string(step.Type), out.result.Status).Inc()

		switch {
		case out.failed:
			stepLog.WithField("error", out.result.Error).Warn("step failed")
			e.audit.Record(ctx, stepEntry(run.ID, step, models.OutcomeFailed, out.result.Error))
			return e.fail(ctx, log, run, models.FailureStepFailed, fmt.Sprintf("step %s failed: %s", step.ID, out.result.Error), results)
		case out.suspend:
			return e.suspend(ctx, stepLog, run, idx, step, out.result, results)
		}

		e.audit.Record(ctx, stepEntry(run.ID, step, models.OutcomeSucceeded, out.result.Detail))
		next := idx + 1
		if next == len(rule.Actions) {
			break
		}
		nextID := rule.Actions[next].ID
		ok, err := e.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunRunning}, models.RunRunning, models.RunUpdate{
			CurrentStepIndex: &next,
			CurrentStepID:    &nextID,
			StepResults:      results,
		})
		if err != nil {
			return err
		}
		if !ok {
			stepLog.Info("run left RUNNING while executing (cancelled); stopping")
			return nil
		}
	}
	return e.complete(ctx, log, run, len(rule.Actions), results)
}

func (e *Executor) runStep(ctx context.Context, run models.WorkflowRun, step models.WorkflowStep) stepOutcome {
	started := e.now().UTC()
	res := models.StepResult{StepID: step.ID, StepType: step.Type, ActionType: step.ActionType, StartedAt: started}
	finish := func() {
		t := e.now().UTC()
		res.FinishedAt = &t
	}

	switch step.Type {
	case models.StepAction:
		out, err := e.actions.Dispatch(ctx, ActionRequest{
			RunID:          run.ID,
			StepID:         step.ID,
			ActionType:     step.ActionType,
			ActionParams:   Substitute(step.Params, run.TriggerContext),
			TriggerContext: run.TriggerContext,
		})
		finish()
		switch {
		case err != nil:
			res.Status, res.Error = models.StepFailed, err.Error()
			return stepOutcome{result: res, failed: true}
		case !out.Success:
			res.Status, res.Error, res.Output = models.StepFailed, nonEmpty(out.Detail, "action reported failure"), out.Output
			return stepOutcome{result: res, failed: true}
		}
		res.Status, res.Detail, res.Output = models.StepSucceeded, out.Detail, out.Output
		return stepOutcome{result: res}

	case models.StepAgentRun:
		output, err := e.agents.Run(ctx, AgentRequest{
			RunID:          run.ID,
			StepID:         step.ID,
			Agent:          step.Agent,
			Input:          Substitute(step.Input, run.TriggerContext),
			TriggerContext: run.TriggerContext,
		})
		finish()
		if err != nil {
			res.Status, res.Error = models.StepFailed, err.Error()
			return stepOutcome{result: res, failed: true}
		}
		res.Status, res.Output, res.Detail = models.StepSucceeded, output, "agent "+step.Agent+" completed"
		return stepOutcome{result: res}

	case models.StepHumanApproval:
		deadline := started.Add(step.ApprovalTimeout())
		res.Status = models.StepWaitingApproval
		res.ApprovalMessage = step.ApprovalMessage
		res.ApprovalDeadline = &deadline
		return stepOutcome{result: res, suspend: true}

	default:
		finish()
		res.Status, res.Error = models.StepFailed, fmt.Sprintf("unsupported step type %q", step.Type)
		return stepOutcome{result: res, failed: true}
	}
}

func (e *Executor) suspend(ctx context.Context, log *logrus.Entry, run models.WorkflowRun, idx int, step models.WorkflowStep, res models.StepResult, results []models.StepResult) error {
	ok, err := e.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunRunning}, models.RunWaitingApproval, models.RunUpdate{
		CurrentStepIndex: &idx,
		CurrentStepID:    &step.ID,
		StepResults:      results,
		ApprovalDeadline: res.ApprovalDeadline,
	})
	if err != nil {
		return err
	}
	if !ok {
		log.Info("run left RUNNING before suspension (cancelled)")
		return nil
	}
	telemetry.RunsFinished.WithLabelValues(string(models.RunWaitingApproval)).Inc()
	e.audit.Record(ctx, stepEntry(run.ID, step, models.OutcomeSuspended, "waiting for approval until "+res.ApprovalDeadline.Format(time.RFC3339)))
	log.WithField("deadline", res.ApprovalDeadline.Format(time.RFC3339)).Info("run waiting for approval")
	return nil
}

func (e *Executor) complete(ctx context.Context, log *logrus.Entry, run models.WorkflowRun, steps int, results []models.StepResult) error {
	ok, err := e.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunRunning}, models.RunCompleted, models.RunUpdate{
		CurrentStepIndex: &steps,
		StepResults:      results,
		ClearDeadline:    true,
	})
	if err != nil {
		return err
	}
	if !ok {
		log.Info("run left RUNNING before completion (cancelled)")
		return nil
	}
	telemetry.RunsFinished.WithLabelValues(string(models.RunCompleted)).Inc()
	e.audit.Record(ctx, audit.Entry{RunID: run.ID, ActionType: "run", TargetType: "automation_rule", TargetID: run.AutomationRuleID, Outcome: models.OutcomeCompleted})
	log.Info("run completed")
	return nil
}

func (e *Executor) fail(ctx context.Context, log *logrus.Entry, run models.WorkflowRun, code, reason string, results []models.StepResult) error {
	ok, err := e.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunRunning}, models.RunFailed, models.RunUpdate{
		StepResults:   results,
		ClearDeadline: true,
		FailureCode:   code,
		FailureReason: reason,
	})
	if err != nil {
		return err
	}
	if !ok {
		log.Info("run left RUNNING before failure was recorded (cancelled)")
		return nil
	}
	telemetry.RunsFinished.WithLabelValues(string(models.RunFailed)).Inc()
	log.WithFields(logrus.Fields{"failure_code": code, "reason": reason}).Warn("run failed")
	return nil
}

func stepEntry(runID string, step models.WorkflowStep, outcome, detail string) audit.Entry {
	action := step.ActionType
	target := ""
	switch step.Type {
	case models.StepAgentRun:
		action, target = "agent_run", step.Agent
	case models.StepHumanApproval:
		action = "human_approval"
	case models.StepAction:
	}
	return audit.Entry{RunID: runID, StepID: step.ID, ActionType: action, TargetType: string(step.Type), TargetID: target, Outcome: outcome, Detail: detail}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
