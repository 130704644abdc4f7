// Package automation decides when workflow runs are created: it matches
// trigger occurrences to rules, evaluates data conditions, drives the
// compound-trigger state machine and polls for time-based rules. Every path
// ends in the RunCreator, whose unique-key insert is what makes delivery of
// the same occurrence safe to repeat.
package automation

import (
	"context"
	"time"

	"automation-engine/internal/models"
	"automation-engine/internal/store"
)

// RuleStore is the rule persistence the engine needs.
type RuleStore interface {
	ListActiveRules(ctx context.Context, orgID string, trigger models.TriggerType) ([]models.AutomationRule, error)
	ListDueRules(ctx context.Context, trigger models.TriggerType, now time.Time, limit int) ([]models.AutomationRule, error)
	ListRulesByTrigger(ctx context.Context, trigger models.TriggerType) ([]models.AutomationRule, error)
	ListArmedRules(ctx context.Context, orgID string) ([]models.AutomationRule, error)
	UpdateSchedule(ctx context.Context, id string, nextRunAt time.Time, lastRunAt *time.Time) error
	TouchLastRun(ctx context.Context, id string, at time.Time) error
	SwapCompoundState(ctx context.Context, sw store.CompoundSwap) (bool, error)
}

// RunInserter persists runs keyed by idempotency key.
type RunInserter interface {
	InsertRun(ctx context.Context, run *models.WorkflowRun, swap *store.CompoundSwap) (bool, error)
}

// RowCounter answers data-condition queries.
type RowCounter interface {
	CountMatchingRows(ctx context.Context, orgID string, cond models.DataCondition, value string) (int, string, error)
}

// Publisher hands runs to the executor.
type Publisher interface {
	Publish(ctx context.Context, msg models.ExecutionMessage) error
}

// Locker is a cross-process mutex.
type Locker interface {
	TryLock(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}
