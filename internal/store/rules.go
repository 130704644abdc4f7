package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"automation-engine/internal/models"
)

const ruleColumns = `id, organization_id, name, trigger_type, conditions, cron_expression, timezone, actions,
	is_active, armed_at, data_settled_at, next_run_at, last_run_at, created_at, updated_at`

// CompoundSwap describes one compare-and-swap of a compound rule's state.
// NextRunAt and LastRunAt are written only when non-nil.
type CompoundSwap struct {
	RuleID    string
	From      models.CompoundState
	To        models.CompoundState
	NextRunAt *time.Time
	LastRunAt *time.Time
}

// CreateRule inserts a rule and fills its id and timestamps.
func (s *Store) CreateRule(ctx context.Context, r *models.AutomationRule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_rules (id, organization_id, name, trigger_type, conditions, cron_expression, timezone,
			actions, is_active, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, r.ID, r.OrganizationID, r.Name, string(r.Trigger), conds, emptyToNil(r.CronExpression), emptyToNil(r.Timezone),
		actions, r.IsActive, dbTime(r.NextRunAt), now)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule fetches a rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (models.AutomationRule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutomationRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRules returns an organization's rules, newest first.
func (s *Store) ListRules(ctx context.Context, orgID string) ([]models.AutomationRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
}

// ListActiveRules returns active rules of one trigger type in an organization.
func (s *Store) ListActiveRules(ctx context.Context, orgID string, trigger models.TriggerType) ([]models.AutomationRule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE organization_id = $1 AND trigger_type = $2 AND is_active
		ORDER BY created_at
	`, orgID, string(trigger))
}

// ListDueRules returns active rules of a trigger type whose next_run_at has passed.
func (s *Store) ListDueRules(ctx context.Context, trigger models.TriggerType, now time.Time, limit int) ([]models.AutomationRule, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE trigger_type = $1 AND is_active AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at
		LIMIT $3
	`, string(trigger), now.UTC(), limit)
}

// ListRulesByTrigger returns every active rule of a trigger type.
func (s *Store) ListRulesByTrigger(ctx context.Context, trigger models.TriggerType) ([]models.AutomationRule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE trigger_type = $1 AND is_active
		ORDER BY id
	`, string(trigger))
}

// ListArmedRules returns active compound rules that are armed or settling.
// An empty orgID lists across organizations.
func (s *Store) ListArmedRules(ctx context.Context, orgID string) ([]models.AutomationRule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE trigger_type = $1 AND is_active AND armed_at IS NOT NULL
		  AND ($2::text = '' OR organization_id = $2::text)
		ORDER BY armed_at
	`, string(models.TriggerCompound), orgID)
}

// SetRuleActive activates or deactivates a rule. Deactivation also clears
// compound runtime state so a later reactivation starts a fresh period.
func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_rules
		SET is_active = $2,
		    armed_at = CASE WHEN $2 THEN armed_at ELSE NULL END,
		    data_settled_at = CASE WHEN $2 THEN data_settled_at ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("update rule active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateSchedule persists next_run_at and, when non-nil, last_run_at.
func (s *Store) UpdateSchedule(ctx context.Context, id string, nextRunAt time.Time, lastRunAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_rules
		SET next_run_at = $2, last_run_at = COALESCE($3::timestamptz, last_run_at), updated_at = NOW()
		WHERE id = $1
	`, id, dbTime(&nextRunAt), dbTime(lastRunAt))
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return nil
}

// TouchLastRun records when a rule last produced a run.
func (s *Store) TouchLastRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE automation_rules SET last_run_at = $2, updated_at = NOW() WHERE id = $1`, id, dbTime(&at))
	if err != nil {
		return fmt.Errorf("touch last run: %w", err)
	}
	return nil
}

// SwapCompoundState atomically replaces a compound rule's state if it still
// equals sw.From. It reports whether the swap happened.
func (s *Store) SwapCompoundState(ctx context.Context, sw CompoundSwap) (bool, error) {
	return swapCompound(ctx, s.pool, sw)
}

func swapCompound(ctx context.Context, db querier, sw CompoundSwap) (bool, error) {
	fromArmed, fromSettled := sw.From.Fields()
	toArmed, toSettled := sw.To.Fields()
	tag, err := db.Exec(ctx, `
		UPDATE automation_rules
		SET armed_at = $2, data_settled_at = $3,
		    next_run_at = COALESCE($4::timestamptz, next_run_at),
		    last_run_at = COALESCE($5::timestamptz, last_run_at),
		    updated_at = NOW()
		WHERE id = $1
		  AND armed_at IS NOT DISTINCT FROM $6::timestamptz
		  AND data_settled_at IS NOT DISTINCT FROM $7::timestamptz
	`, sw.RuleID, dbTime(toArmed), dbTime(toSettled), dbTime(sw.NextRunAt), dbTime(sw.LastRunAt),
		dbTime(fromArmed), dbTime(fromSettled))
	if err != nil {
		return false, fmt.Errorf("swap compound state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) queryRules(ctx context.Context, sql string, args ...any) ([]models.AutomationRule, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	var out []models.AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

func scanRule(row pgx.Row) (models.AutomationRule, error) {
	var (
		r                                    models.AutomationRule
		trigger                              string
		condsJSON, actionsJSON               []byte
		cronExpr, tz                         pgtype.Text
		armedAt, settledAt, nextRun, lastRun pgtype.Timestamptz
	)
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &trigger, &condsJSON, &cronExpr, &tz, &actionsJSON,
		&r.IsActive, &armedAt, &settledAt, &nextRun, &lastRun, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan rule: %w", err)
	}
	r.Trigger = models.TriggerType(trigger)
	if len(condsJSON) > 0 {
		if err := json.Unmarshal(condsJSON, &r.Conditions); err != nil {
			return r, fmt.Errorf("unmarshal conditions for rule %s: %w", r.ID, err)
		}
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &r.Actions); err != nil {
			return r, fmt.Errorf("unmarshal actions for rule %s: %w", r.ID, err)
		}
	}
	r.CronExpression = textValue(cronExpr)
	r.Timezone = textValue(tz)
	r.ArmedAt = timePtr(armedAt)
	r.DataSettledAt = timePtr(settledAt)
	r.NextRunAt = timePtr(nextRun)
	r.LastRunAt = timePtr(lastRun)
	return r, nil
}
