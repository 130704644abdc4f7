package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"automation-engine/internal/models"
)

// Relative comparison values resolved against the evaluation time.
const (
	ValueCurrentPeriod  = "current_period"
	ValuePreviousPeriod = "previous_period"
	ValueToday          = "today"
)

const (
	periodLayout = "2006-01"
	dayLayout    = "2006-01-02"
)

// ConditionResult is the outcome of one evaluation.
type ConditionResult struct {
	Matched         bool
	MatchedRowCount int
	// PeriodKey groups firings for idempotency; empty when none could be derived.
	PeriodKey string
}

// Evaluator checks data conditions against live rows. It has no side effects.
type Evaluator struct {
	rows RowCounter
}

func NewEvaluator(rows RowCounter) *Evaluator {
	return &Evaluator{rows: rows}
}

// Evaluate counts the organization's rows matching cond at now.
func (e *Evaluator) Evaluate(ctx context.Context, cond models.DataCondition, orgID string, now time.Time) (ConditionResult, error) {
	if err := cond.Validate(); err != nil {
		return ConditionResult{}, err
	}
	value, period := ResolveValue(cond.Value, now)
	count, maxPeriod, err := e.rows.CountMatchingRows(ctx, orgID, cond, value)
	if err != nil {
		return ConditionResult{}, fmt.Errorf("evaluate %s.%s %s: %w", cond.DatabaseID, cond.Column, cond.Operator, err)
	}
	res := ConditionResult{Matched: count > 0, MatchedRowCount: count}
	if res.Matched {
		switch {
		case period != "":
			res.PeriodKey = period
		case cond.PeriodColumn != "":
			res.PeriodKey = maxPeriod
		}
	}
	return res, nil
}

// ResolveValue substitutes a relative value. period is the resolved label
// when raw was relative, otherwise empty.
func ResolveValue(raw string, now time.Time) (value, period string) {
	now = now.UTC()
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ValueCurrentPeriod:
		v := now.Format(periodLayout)
		return v, v
	case ValuePreviousPeriod:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		v := first.AddDate(0, -1, 0).Format(periodLayout)
		return v, v
	case ValueToday:
		v := now.Format(dayLayout)
		return v, v
	default:
		return raw, ""
	}
}

// occurrenceForPeriod falls back to the day when no period key exists.
func occurrenceForPeriod(res ConditionResult, now time.Time) string {
	if res.PeriodKey != "" {
		return res.PeriodKey
	}
	return now.UTC().Format(dayLayout)
}
