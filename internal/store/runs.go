package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"automation-engine/internal/models"
)

const runColumns = `r.id, r.automation_rule_id, r.organization_id, r.status, r.current_step_id, r.current_step_index,
	r.step_results, r.trigger_context, r.triggered_by, r.idempotency_key, r.approval_deadline, r.failure_code,
	r.failure_reason, r.created_at, r.started_at, r.completed_at, r.claimed_at, r.updated_at`

// InsertRun inserts a run unless its idempotency key already exists. It
// reports whether a row was created; a key conflict is not an error.
//
// When swap is non-nil the compound-state CAS and the insert commit in one
// transaction. A lost CAS rolls back and returns ErrStateConflict.
func (s *Store) InsertRun(ctx context.Context, run *models.WorkflowRun, swap *CompoundSwap) (bool, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.StepResults == nil {
		run.StepResults = []models.StepResult{}
	}
	results, err := json.Marshal(run.StepResults)
	if err != nil {
		return false, fmt.Errorf("marshal step results: %w", err)
	}
	trigger, err := json.Marshal(run.TriggerContext)
	if err != nil {
		return false, fmt.Errorf("marshal trigger context: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if swap != nil {
		swapped, err := swapCompound(ctx, tx, *swap)
		if err != nil {
			return false, err
		}
		if !swapped {
			return false, fmt.Errorf("rule %s: %w", swap.RuleID, ErrStateConflict)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO workflow_runs (id, automation_rule_id, organization_id, status, current_step_id, current_step_index,
			step_results, trigger_context, triggered_by, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, run.ID, run.AutomationRuleID, run.OrganizationID, string(run.Status), emptyToNil(run.CurrentStepID),
		run.CurrentStepIndex, results, trigger, run.TriggeredBy, run.IdempotencyKey, now)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.WorkflowRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`, ar.name, ar.trigger_type
		FROM workflow_runs r JOIN automation_rules ar ON ar.id = r.automation_rule_id
		WHERE r.id = $1
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkflowRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns serves the run query surface, newest first.
func (s *Store) ListRuns(ctx context.Context, f models.RunFilter) ([]models.WorkflowRun, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	where := []string{"r.organization_id = $1"}
	args := []any{f.OrganizationID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("r.status = $%d", len(args)))
	}
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		where = append(where, fmt.Sprintf("r.automation_rule_id = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)
	sql := fmt.Sprintf(`
		SELECT %s, ar.name, ar.trigger_type
		FROM workflow_runs r JOIN automation_rules ar ON ar.id = r.automation_rule_id
		WHERE %s
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $%d OFFSET $%d
	`, runColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	out := []models.WorkflowRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// ClaimRun moves a PENDING run to RUNNING, or reclaims a RUNNING run whose
// claim is older than staleBefore (its worker died). It reports whether the
// caller now owns the run.
func (s *Store) ClaimRun(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $2, claimed_at = $3, started_at = COALESCE(started_at, $3), updated_at = NOW()
		WHERE id = $1
		  AND (status = $4 OR (status = $2 AND (claimed_at IS NULL OR claimed_at < $5)))
	`, id, string(models.RunRunning), dbTime(&now), string(models.RunPending), dbTime(&staleBefore))
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionRun sets status to `to` together with the fields in upd, but
// only while the run is in one of `from`. Terminal transitions stamp
// completed_at; progress writes in RUNNING refresh the claim. It reports
// whether the row was updated.
func (s *Store) TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, upd models.RunUpdate) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s: no source statuses", to)
	}
	fromStr := make([]string, 0, len(from))
	for _, st := range from {
		fromStr = append(fromStr, string(st))
	}
	var results []byte
	if upd.StepResults != nil {
		b, err := json.Marshal(upd.StepResults)
		if err != nil {
			return false, fmt.Errorf("marshal step results: %w", err)
		}
		results = b
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $2,
		    current_step_index = COALESCE($3::int, current_step_index),
		    current_step_id = COALESCE($4::text, current_step_id),
		    step_results = COALESCE($5::jsonb, step_results),
		    approval_deadline = CASE WHEN $6::bool THEN NULL ELSE COALESCE($7::timestamptz, approval_deadline) END,
		    failure_code = COALESCE($8::text, failure_code),
		    failure_reason = COALESCE($9::text, failure_reason),
		    completed_at = CASE WHEN $10::bool THEN NOW() ELSE completed_at END,
		    claimed_at = CASE WHEN $2 = 'RUNNING' THEN NOW() ELSE claimed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($11::text[])
	`, id, string(to), upd.CurrentStepIndex, upd.CurrentStepID, results, upd.ClearDeadline, dbTime(upd.ApprovalDeadline),
		emptyToNil(upd.FailureCode), emptyToNil(upd.FailureReason), to.Terminal(), fromStr)
	if err != nil {
		return false, fmt.Errorf("transition run to %s: %w", to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpiredApprovals returns WAITING_APPROVAL runs whose deadline passed.
func (s *Store) ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`, ar.name, ar.trigger_type
		FROM workflow_runs r JOIN automation_rules ar ON ar.id = r.automation_rule_id
		WHERE r.status = $1 AND r.approval_deadline <= $2
		ORDER BY r.approval_deadline
		LIMIT $3
	`, string(models.RunWaitingApproval), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired approvals: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired approvals: %w", err)
	}
	return out, nil
}

// TakeStaleRuns returns runs an executor should be asked about again:
// PENDING runs untouched since pendingBefore (their hand-off was lost) and
// RUNNING runs whose claim is older than claimedBefore (their worker died).
// It bumps updated_at so concurrent sweepers skip the same rows.
func (s *Store) TakeStaleRuns(ctx context.Context, pendingBefore, claimedBefore time.Time, limit int) ([]models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		WITH stale AS (
			SELECT id FROM workflow_runs
			WHERE (status = $1 AND updated_at < $2)
			   OR (status = $3 AND claimed_at < $4 AND updated_at < $4)
			ORDER BY updated_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		), touched AS (
			UPDATE workflow_runs w SET updated_at = NOW()
			FROM stale WHERE w.id = stale.id
			RETURNING w.*
		)
		SELECT `+runColumns+`, ar.name, ar.trigger_type
		FROM touched r JOIN automation_rules ar ON ar.id = r.automation_rule_id
		ORDER BY r.created_at
	`, string(models.RunPending), pendingBefore.UTC(), string(models.RunRunning), claimedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (models.WorkflowRun, error) {
	var (
		run                                   models.WorkflowRun
		status, ruleTrigger                   string
		stepID, failCode, failReason          pgtype.Text
		resultsJSON, triggerJSON              []byte
		deadline, started, completed, claimed pgtype.Timestamptz
	)
	if err := row.Scan(&run.ID, &run.AutomationRuleID, &run.OrganizationID, &status, &stepID, &run.CurrentStepIndex,
		&resultsJSON, &triggerJSON, &run.TriggeredBy, &run.IdempotencyKey, &deadline, &failCode, &failReason,
		&run.CreatedAt, &started, &completed, &claimed, &run.UpdatedAt, &run.RuleName, &ruleTrigger); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scan run: %w", err)
	}
	run.Status = models.RunStatus(status)
	run.RuleTrigger = models.TriggerType(ruleTrigger)
	run.CurrentStepID = textValue(stepID)
	run.FailureCode = textPtr(failCode)
	run.FailureReason = textPtr(failReason)
	run.ApprovalDeadline = timePtr(deadline)
	run.StartedAt = timePtr(started)
	run.CompletedAt = timePtr(completed)
	run.ClaimedAt = timePtr(claimed)
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &run.StepResults); err != nil {
			return run, fmt.Errorf("unmarshal step results for run %s: %w", run.ID, err)
		}
	}
	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &run.TriggerContext); err != nil {
			return run, fmt.Errorf("unmarshal trigger context for run %s: %w", run.ID, err)
		}
	}
	return run, nil
}
