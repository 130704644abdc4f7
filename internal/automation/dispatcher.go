package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/models"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
)

// ErrInvalidOccurrence rejects occurrences missing required fields.
var ErrInvalidOccurrence = errors.New("invalid trigger occurrence")

// DispatchResult summarizes one Dispatch call.
type DispatchResult struct {
	Matched          int      `json:"matched"`
	RunIDs           []string `json:"runIds"`
	Duplicates       int      `json:"duplicates"`
	Errors           int      `json:"errors"`
	CompoundAdvanced int      `json:"compoundAdvanced"`
}

// Dispatcher turns externally raised occurrences into runs.
type Dispatcher struct {
	rules   RuleStore
	matcher *Matcher
	creator *RunCreator
	eval    *Evaluator
	pub     Publisher
	log     *logrus.Entry
	now     func() time.Time
}

func NewDispatcher(rules RuleStore, creator *RunCreator, eval *Evaluator, pub Publisher, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		rules:   rules,
		matcher: NewMatcher(rules),
		creator: creator,
		eval:    eval,
		pub:     pub,
		log:     log.WithField("component", "dispatcher"),
		now:     time.Now,
	}
}

// ValidateOccurrence checks the inbound message shape.
func ValidateOccurrence(occ models.Occurrence) error {
	if _, err := models.ParseTriggerType(string(occ.TriggerType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOccurrence, err)
	}
	if strings.TrimSpace(occ.TriggerEventID) == "" {
		return fmt.Errorf("%w: triggerEventId is required", ErrInvalidOccurrence)
	}
	if strings.TrimSpace(occ.OrganizationID) == "" {
		return fmt.Errorf("%w: organizationId is required", ErrInvalidOccurrence)
	}
	return nil
}

// Dispatch matches the occurrence, creates one run per matching rule and
// publishes each new run. Runs are never executed inline. A failure for one
// rule is logged and counted without affecting the others. Time-driven
// triggers only fire from the scheduler, so their occurrences are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, occ models.Occurrence) (DispatchResult, error) {
	res := DispatchResult{RunIDs: []string{}}
	if err := ValidateOccurrence(occ); err != nil {
		return res, err
	}
	log := d.log.WithFields(logrus.Fields{
		"trigger":         occ.TriggerType,
		"occurrence_id":   occ.TriggerEventID,
		"organization_id": occ.OrganizationID,
	})
	if occ.TriggerType.TimeDriven() {
		log.Info("time-driven trigger fires from the scheduler; occurrence ignored")
		return res, nil
	}

	rules, err := d.matcher.FindMatchingRules(ctx, occ.TriggerType, occ.OrganizationID, occ.Metadata)
	if err != nil {
		return res, err
	}
	res.Matched = len(rules)
	if len(rules) == 0 {
		log.Debug("no rules matched occurrence")
	}

	tc := occ.Context()
	for _, rule := range rules {
		run, err := d.creator.Create(ctx, CreateRunParams{Rule: rule, TriggerContext: tc})
		if err != nil {
			res.Errors++
			telemetry.DispatchRuleErrors.Inc()
			log.WithError(err).WithField("rule_id", rule.ID).Error("dispatch: create run failed")
			continue
		}
		if run == nil {
			res.Duplicates++
			continue
		}
		res.RunIDs = append(res.RunIDs, run.ID)
		if err := d.pub.Publish(ctx, run.ExecutionMessage()); err != nil {
			res.Errors++
			telemetry.DispatchRuleErrors.Inc()
			log.WithError(err).WithFields(logrus.Fields{"rule_id": rule.ID, "run_id": run.ID}).
				Error("dispatch: publish failed; run stays pending for the stale-run sweep")
		}
	}

	if occ.TriggerType.ChangesData() {
		advanced, errs := d.advanceCompound(ctx, occ, log)
		res.CompoundAdvanced = advanced
		res.Errors += errs
	}
	return res, nil
}

// advanceCompound moves armed compound rules that watch the changed database
// toward settling, or back to armed when their data stopped matching. It
// never fires; firing belongs to the scheduler once the window elapses.
func (d *Dispatcher) advanceCompound(ctx context.Context, occ models.Occurrence, log *logrus.Entry) (advanced, errs int) {
	databaseID := occ.Context().MetaString(models.MetaDatabaseID)
	if databaseID == "" {
		log.Debug("data change without databaseId; compound advancement skipped")
		return 0, 0
	}
	armed, err := d.rules.ListArmedRules(ctx, occ.OrganizationID)
	if err != nil {
		telemetry.DispatchRuleErrors.Inc()
		log.WithError(err).Error("dispatch: list armed compound rules failed")
		return 0, 1
	}
	for _, rule := range armed {
		cond := rule.Conditions.Data
		if cond == nil || cond.DatabaseID != databaseID {
			continue
		}
		rlog := log.WithField("rule_id", rule.ID)
		now := d.now()
		result, err := d.eval.Evaluate(ctx, *cond, rule.OrganizationID, now)
		if err != nil {
			errs++
			telemetry.DispatchRuleErrors.Inc()
			rlog.WithError(err).Error("dispatch: compound evaluation failed")
			continue
		}
		from := rule.CompoundState()
		to, changed := from.ObserveData(result.Matched, now)
		if !changed {
			continue
		}
		swapped, err := d.rules.SwapCompoundState(ctx, store.CompoundSwap{RuleID: rule.ID, From: from, To: to})
		if err != nil {
			errs++
			telemetry.DispatchRuleErrors.Inc()
			rlog.WithError(err).Error("dispatch: compound state write failed")
			continue
		}
		if !swapped {
			telemetry.CompoundCASConflicts.Inc()
			rlog.WithField("from", from.Phase.String()).Info("compound state changed concurrently; transition skipped")
			continue
		}
		advanced++
		telemetry.CompoundTransitions.WithLabelValues(to.Phase.String()).Inc()
		rlog.WithFields(logrus.Fields{"from": from.Phase.String(), "to": to.Phase.String(), "matched_rows": result.MatchedRowCount}).
			Info("compound rule advanced by data change")
	}
	return advanced, errs
}
