package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/audit"
	"automation-engine/internal/models"
	"automation-engine/internal/telemetry"
)

// ErrInvalidTransition is returned when a control action does not apply to
// the run's current status.
var ErrInvalidTransition = errors.New("invalid run transition")

// Publisher hands a run back to the executor.
type Publisher interface {
	Publish(ctx context.Context, msg models.ExecutionMessage) error
}

// Canceller drops a run's queued deliveries.
type Canceller interface {
	Cancel(ctx context.Context, id string) error
}

// Control applies human and timer-driven transitions to runs: approve,
// reject, cancel and approval expiry.
type Control struct {
	store RunStore
	pub   Publisher
	queue Canceller
	audit *audit.Logger
	log   *logrus.Entry
	now   func() time.Time
}

func NewControl(st RunStore, pub Publisher, q Canceller, auditLog *audit.Logger, log *logrus.Entry) *Control {
	return &Control{
		store: st,
		pub:   pub,
		queue: q,
		audit: auditLog,
		log:   log.WithField("component", "run_control"),
		now:   time.Now,
	}
}

func (c *Control) waitingRun(ctx context.Context, runID string) (models.WorkflowRun, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Status != models.RunWaitingApproval {
		return run, fmt.Errorf("run %s is %s, not waiting for approval: %w", runID, run.Status, ErrInvalidTransition)
	}
	return run, nil
}

// resolveApproval marks the pending approval result with status.
func resolveApproval(run models.WorkflowRun, status, actor string, at time.Time) []models.StepResult {
	results := append([]models.StepResult(nil), run.StepResults...)
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].StepID == run.CurrentStepID && results[i].Status == models.StepWaitingApproval {
			results[i].Status = status
			results[i].ResolvedBy = actor
			t := at
			results[i].FinishedAt = &t
			break
		}
	}
	return results
}

// Approve resumes a suspended run at the step after the approval. An
// approval arriving after the deadline expires the run instead.
func (c *Control) Approve(ctx context.Context, runID, actor string) (models.WorkflowRun, error) {
	run, err := c.waitingRun(ctx, runID)
	if err != nil {
		return run, err
	}
	now := c.now().UTC()
	if run.ApprovalDeadline != nil && !now.Before(*run.ApprovalDeadline) {
		if err := c.expire(ctx, run, now); err != nil {
			return run, err
		}
		return run, fmt.Errorf("run %s: approval window closed at %s: %w", runID, run.ApprovalDeadline.Format(time.RFC3339), ErrInvalidTransition)
	}

	next := run.CurrentStepIndex + 1
	results := resolveApproval(run, models.StepApproved, actor, now)
	ok, err := c.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunWaitingApproval}, models.RunPending, models.RunUpdate{
		CurrentStepIndex: &next,
		StepResults:      results,
		ClearDeadline:    true,
	})
	if err != nil {
		return run, err
	}
	if !ok {
		return run, fmt.Errorf("run %s changed concurrently: %w", runID, ErrInvalidTransition)
	}
	c.audit.Record(ctx, audit.Entry{RunID: run.ID, StepID: run.CurrentStepID, ActionType: "human_approval", Outcome: models.OutcomeApproved, Actor: actor})
	c.log.WithFields(logrus.Fields{"run_id": run.ID, "step_id": run.CurrentStepID, "actor": actor}).Info("approval granted; run resumed")

	if err := c.pub.Publish(ctx, run.ExecutionMessage()); err != nil {
		c.log.WithError(err).WithField("run_id", run.ID).Error("publish after approval failed; run stays pending for the stale-run sweep")
	}
	return c.store.GetRun(ctx, run.ID)
}

// Reject fails a suspended run with approval_rejected.
func (c *Control) Reject(ctx context.Context, runID, actor, reason string) (models.WorkflowRun, error) {
	run, err := c.waitingRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if reason == "" {
		reason = "approval rejected"
	}
	results := resolveApproval(run, models.StepRejected, actor, c.now().UTC())
	ok, err := c.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunWaitingApproval}, models.RunFailed, models.RunUpdate{
		StepResults:   results,
		ClearDeadline: true,
		FailureCode:   models.FailureApprovalRejected,
		FailureReason: reason,
	})
	if err != nil {
		return run, err
	}
	if !ok {
		return run, fmt.Errorf("run %s changed concurrently: %w", runID, ErrInvalidTransition)
	}
	telemetry.RunsFinished.WithLabelValues(string(models.RunFailed)).Inc()
	c.audit.Record(ctx, audit.Entry{RunID: run.ID, StepID: run.CurrentStepID, ActionType: "human_approval", Outcome: models.OutcomeRejected, Detail: reason, Actor: actor})
	c.log.WithFields(logrus.Fields{"run_id": run.ID, "actor": actor}).Info("approval rejected; run failed")
	return c.store.GetRun(ctx, run.ID)
}

// Cancel ends a non-terminal run. An executor mid-step notices on its next
// progress write.
func (c *Control) Cancel(ctx context.Context, runID, actor string) (models.WorkflowRun, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if !models.CanTransition(run.Status, models.RunCancelled) {
		return run, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrInvalidTransition)
	}
	ok, err := c.store.TransitionRun(ctx, run.ID, models.AllowedFrom(models.RunCancelled), models.RunCancelled, models.RunUpdate{ClearDeadline: true})
	if err != nil {
		return run, err
	}
	if !ok {
		return run, fmt.Errorf("run %s finished concurrently: %w", runID, ErrInvalidTransition)
	}
	if c.queue != nil {
		if err := c.queue.Cancel(ctx, run.ID); err != nil {
			c.log.WithError(err).WithField("run_id", run.ID).Warn("drop queued deliveries failed; executor claim will skip them")
		}
	}
	telemetry.RunsFinished.WithLabelValues(string(models.RunCancelled)).Inc()
	c.audit.Record(ctx, audit.Entry{RunID: run.ID, StepID: run.CurrentStepID, ActionType: "run", Outcome: models.OutcomeCancelled, Actor: actor})
	c.log.WithFields(logrus.Fields{"run_id": run.ID, "from": string(run.Status), "actor": actor}).Info("run cancelled")
	return c.store.GetRun(ctx, run.ID)
}

// ExpireApprovals fails every suspended run whose deadline has passed. It
// returns how many runs were expired.
func (c *Control) ExpireApprovals(ctx context.Context, limit int) (int, error) {
	now := c.now().UTC()
	runs, err := c.store.ListExpiredApprovals(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, run := range runs {
		if err := c.expire(ctx, run, now); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			c.log.WithError(err).WithField("run_id", run.ID).Error("expire approval failed")
			continue
		}
		expired++
	}
	return expired, nil
}

func (c *Control) expire(ctx context.Context, run models.WorkflowRun, now time.Time) error {
	results := resolveApproval(run, models.StepTimedOut, models.ActorSystem, now)
	reason := "approval not granted before deadline"
	if run.ApprovalDeadline != nil {
		reason = "approval not granted before " + run.ApprovalDeadline.UTC().Format(time.RFC3339)
	}
	ok, err := c.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunWaitingApproval}, models.RunFailed, models.RunUpdate{
		StepResults:   results,
		FailureCode:   models.FailureApprovalTimeout,
		FailureReason: reason,
	})
	if err != nil {
		return err
	}
	if !ok {
		c.log.WithField("run_id", run.ID).Info("run resolved before expiry; skipping")
		return ErrInvalidTransition
	}
	telemetry.ApprovalsExpired.Inc()
	telemetry.RunsFinished.WithLabelValues(string(models.RunFailed)).Inc()
	c.audit.Record(ctx, audit.Entry{RunID: run.ID, StepID: run.CurrentStepID, ActionType: "human_approval", Outcome: models.OutcomeTimedOut, Detail: reason})
	c.log.WithField("run_id", run.ID).Info("approval timed out; run failed")
	return nil
}
