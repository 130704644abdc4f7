package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/models"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
)

// Pools processed by every tick, in order.
const (
	PoolScheduled      = "scheduled"
	PoolDataCondition  = "data_condition"
	PoolCompoundArm    = "compound_arm"
	PoolCompoundSettle = "compound_settle"
)

// SchedulerConfig tunes the poller.
type SchedulerConfig struct {
	Interval              time.Duration
	DataConditionCooldown time.Duration
	InvalidCronFallback   time.Duration
	BatchSize             int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.DataConditionCooldown <= 0 {
		c.DataConditionCooldown = 4 * time.Minute
	}
	if c.InvalidCronFallback <= 0 {
		c.InvalidCronFallback = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// TickResult summarizes one tick.
type TickResult struct {
	Skipped         bool
	RunsCreated     int
	Duplicates      int
	Armed           int
	SettlingStarted int
	Reverted        int
	Errors          int
}

// Scheduler discovers time-driven and compound rules that no external event
// would raise and feeds them through the RunCreator.
type Scheduler struct {
	cfg     SchedulerConfig
	rules   RuleStore
	creator *RunCreator
	eval    *Evaluator
	pub     Publisher
	lock    Locker
	log     *logrus.Entry
	now     func() time.Time

	running sync.Mutex
}

// NewScheduler builds a scheduler. lock may be nil for a single replica.
func NewScheduler(cfg SchedulerConfig, rules RuleStore, creator *RunCreator, eval *Evaluator, pub Publisher, lock Locker, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		rules:   rules,
		creator: creator,
		eval:    eval,
		pub:     pub,
		lock:    lock,
		log:     log.WithField("component", "scheduler"),
		now:     time.Now,
	}
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.WithField("interval", s.cfg.Interval.String()).Info("scheduler started")
	for {
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Error("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick processes the four pools once. Overlapping ticks, in this process or
// another replica, are skipped rather than queued.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	if !s.running.TryLock() {
		telemetry.SchedulerTicks.WithLabelValues("overlap").Inc()
		s.log.Info("previous tick still running; skipping")
		res.Skipped = true
		return res, nil
	}
	defer s.running.Unlock()

	if s.lock != nil {
		release, ok, err := s.lock.TryLock(ctx)
		if err != nil {
			telemetry.SchedulerTicks.WithLabelValues("error").Inc()
			return res, err
		}
		if !ok {
			telemetry.SchedulerTicks.WithLabelValues("overlap").Inc()
			s.log.Info("another replica holds the scheduler lock; skipping")
			res.Skipped = true
			return res, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.WithError(err).Warn("release scheduler lock")
			}
		}()
	}

	start := time.Now()
	now := s.now().UTC()
	touched := map[string]struct{}{}

	s.scheduledPool(ctx, now, &res)
	s.dataConditionPool(ctx, now, &res)
	s.compoundArmPool(ctx, now, &res, touched)
	s.compoundSettlePool(ctx, now, &res, touched)

	telemetry.TickDuration.Observe(time.Since(start).Seconds())
	telemetry.SchedulerTicks.WithLabelValues("completed").Inc()
	s.log.WithFields(logrus.Fields{
		"runs_created": res.RunsCreated,
		"duplicates":   res.Duplicates,
		"armed":        res.Armed,
		"settling":     res.SettlingStarted,
		"reverted":     res.Reverted,
		"errors":       res.Errors,
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Info("scheduler tick finished")
	return res, ctx.Err()
}

// isolate runs fn for one rule, turning errors and panics into a logged,
// counted failure so the rest of the pool still runs.
func (s *Scheduler) isolate(pool string, rule models.AutomationRule, res *TickResult, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	res.Errors++
	telemetry.SchedulerRuleErrors.WithLabelValues(pool).Inc()
	s.log.WithError(err).WithFields(logrus.Fields{"pool": pool, "rule_id": rule.ID}).Error("scheduler: rule failed")
}

func (s *Scheduler) poolError(pool string, res *TickResult, err error) {
	res.Errors++
	telemetry.SchedulerRuleErrors.WithLabelValues(pool).Inc()
	s.log.WithError(err).WithField("pool", pool).Error("scheduler: list rules failed")
}

// nextRunAt computes the rule's next slot after now, falling back to now +
// InvalidCronFallback when the schedule cannot be parsed.
func (s *Scheduler) nextRunAt(rule models.AutomationRule, now time.Time) time.Time {
	next, err := NextRun(rule.CronExpression, rule.Timezone, now)
	if err != nil {
		telemetry.InvalidCron.Inc()
		fallback := now.Add(s.cfg.InvalidCronFallback)
		s.log.WithError(err).WithFields(logrus.Fields{
			"rule_id":  rule.ID,
			"cron":     rule.CronExpression,
			"timezone": rule.Timezone,
			"fallback": fallback.Format(time.RFC3339),
		}).Warn("invalid schedule; using fallback next run")
		return fallback
	}
	return next
}

// slotOccurrence is the occurrence id of a schedule slot.
func slotOccurrence(rule models.AutomationRule, now time.Time) string {
	slot := now
	if rule.NextRunAt != nil {
		slot = *rule.NextRunAt
	}
	return slot.UTC().Format(time.RFC3339)
}

func (s *Scheduler) publish(ctx context.Context, run *models.WorkflowRun, res *TickResult) {
	if run == nil {
		res.Duplicates++
		return
	}
	res.RunsCreated++
	if err := s.pub.Publish(ctx, run.ExecutionMessage()); err != nil {
		res.Errors++
		s.log.WithError(err).WithField("run_id", run.ID).Error("scheduler: publish failed; run stays pending for the stale-run sweep")
	}
}

func (s *Scheduler) scheduledPool(ctx context.Context, now time.Time, res *TickResult) {
	rules, err := s.rules.ListDueRules(ctx, models.TriggerScheduled, now, s.cfg.BatchSize)
	if err != nil {
		s.poolError(PoolScheduled, res, err)
		return
	}
	for _, rule := range rules {
		s.isolate(PoolScheduled, rule, res, func() error {
			return s.fireSlot(ctx, rule, models.TriggerScheduled, now, res)
		})
	}
}

// fireSlot creates the run for a due schedule slot and advances nextRunAt.
// A crash between the two steps replays the same slot key next tick.
func (s *Scheduler) fireSlot(ctx context.Context, rule models.AutomationRule, trigger models.TriggerType, now time.Time, res *TickResult) error {
	occurrence := slotOccurrence(rule, now)
	run, err := s.creator.Create(ctx, CreateRunParams{
		Rule: rule,
		TriggerContext: models.TriggerContext{
			TriggerType:    trigger,
			OccurrenceID:   occurrence,
			OrganizationID: rule.OrganizationID,
			Metadata:       map[string]any{"scheduledFor": occurrence},
		},
	})
	if err != nil {
		return err
	}
	s.publish(ctx, run, res)
	var last *time.Time
	if run != nil {
		last = &now
	}
	return s.rules.UpdateSchedule(ctx, rule.ID, s.nextRunAt(rule, now), last)
}

func (s *Scheduler) dataConditionPool(ctx context.Context, now time.Time, res *TickResult) {
	rules, err := s.rules.ListRulesByTrigger(ctx, models.TriggerDataCondition)
	if err != nil {
		s.poolError(PoolDataCondition, res, err)
		return
	}
	for _, rule := range rules {
		if rule.LastRunAt != nil && now.Sub(*rule.LastRunAt) < s.cfg.DataConditionCooldown {
			s.log.WithField("rule_id", rule.ID).Debug("data-condition rule fired recently; skipping")
			continue
		}
		s.isolate(PoolDataCondition, rule, res, func() error {
			if rule.Conditions.Data == nil {
				return errors.New("data-condition rule without conditions.data")
			}
			result, err := s.eval.Evaluate(ctx, *rule.Conditions.Data, rule.OrganizationID, now)
			if err != nil {
				return err
			}
			if !result.Matched {
				return nil
			}
			occurrence := occurrenceForPeriod(result, now)
			run, err := s.creator.Create(ctx, CreateRunParams{
				Rule: rule,
				TriggerContext: models.TriggerContext{
					TriggerType:    models.TriggerDataCondition,
					OccurrenceID:   occurrence,
					OrganizationID: rule.OrganizationID,
					Metadata:       map[string]any{"periodKey": occurrence, "matchedRowCount": result.MatchedRowCount},
				},
			})
			if err != nil {
				return err
			}
			s.publish(ctx, run, res)
			if run == nil {
				return nil
			}
			return s.rules.TouchLastRun(ctx, rule.ID, now)
		})
	}
}

func (s *Scheduler) compoundArmPool(ctx context.Context, now time.Time, res *TickResult, touched map[string]struct{}) {
	rules, err := s.rules.ListDueRules(ctx, models.TriggerCompound, now, s.cfg.BatchSize)
	if err != nil {
		s.poolError(PoolCompoundArm, res, err)
		return
	}
	for _, rule := range rules {
		// Rules still armed from an earlier period are left to the settle pool.
		if rule.CompoundState().Phase == models.PhaseUnarmed {
			touched[rule.ID] = struct{}{}
		}
		s.isolate(PoolCompoundArm, rule, res, func() error {
			return s.armCompound(ctx, rule, now, res)
		})
	}
}

func (s *Scheduler) armCompound(ctx context.Context, rule models.AutomationRule, now time.Time, res *TickResult) error {
	if rule.Conditions.Data == nil {
		return s.fireSlot(ctx, rule, models.TriggerCompound, now, res)
	}
	log := s.log.WithField("rule_id", rule.ID)
	next := s.nextRunAt(rule, now)
	from := rule.CompoundState()
	if _, armed := from.Arm(now); !armed {
		log.WithFields(logrus.Fields{
			"phase":    from.Phase.String(),
			"armed_at": from.ArmedAt.Format(time.RFC3339),
		}).Info("compound rule still armed for an unresolved period; new arming ignored")
		return s.rules.UpdateSchedule(ctx, rule.ID, next, nil)
	}

	result, err := s.eval.Evaluate(ctx, *rule.Conditions.Data, rule.OrganizationID, now)
	if err != nil {
		return err
	}
	window := rule.SettlingWindow()
	if result.Matched && window == 0 {
		// Nothing to wait for: fire now and stay unarmed.
		armedState := models.Armed(now)
		return s.fireCompound(ctx, rule, armedState, &store.CompoundSwap{
			RuleID: rule.ID, From: from, To: models.Unarmed(), NextRunAt: &next, LastRunAt: &now,
		}, result, res)
	}

	to := models.Armed(now)
	if result.Matched {
		to = models.Settling(now, now)
	}
	swapped, err := s.rules.SwapCompoundState(ctx, store.CompoundSwap{RuleID: rule.ID, From: from, To: to, NextRunAt: &next})
	if err != nil {
		return err
	}
	if !swapped {
		telemetry.CompoundCASConflicts.Inc()
		log.Info("compound state changed concurrently; arming skipped")
		return nil
	}
	res.Armed++
	if to.Phase == models.PhaseSettling {
		res.SettlingStarted++
	}
	telemetry.CompoundTransitions.WithLabelValues(to.Phase.String()).Inc()
	log.WithFields(logrus.Fields{"to": to.Phase.String(), "next_run_at": next.Format(time.RFC3339)}).Info("compound rule armed")
	return nil
}

func (s *Scheduler) compoundSettlePool(ctx context.Context, now time.Time, res *TickResult, touched map[string]struct{}) {
	rules, err := s.rules.ListArmedRules(ctx, "")
	if err != nil {
		s.poolError(PoolCompoundSettle, res, err)
		return
	}
	for _, rule := range rules {
		if _, seen := touched[rule.ID]; seen {
			continue
		}
		s.isolate(PoolCompoundSettle, rule, res, func() error {
			return s.settleCompound(ctx, rule, now, res)
		})
	}
}

func (s *Scheduler) settleCompound(ctx context.Context, rule models.AutomationRule, now time.Time, res *TickResult) error {
	log := s.log.WithField("rule_id", rule.ID)
	state := rule.CompoundState()
	if rule.Conditions.Data == nil {
		// The data condition was removed while armed; nothing can settle it.
		_, err := s.swap(ctx, log, store.CompoundSwap{RuleID: rule.ID, From: state, To: models.Unarmed()})
		return err
	}
	window := rule.SettlingWindow()
	if state.Phase == models.PhaseSettling && !state.WindowElapsed(now, window) {
		log.WithField("settled_at", state.SettledAt.Format(time.RFC3339)).Debug("settling window not elapsed")
		return nil
	}

	result, err := s.eval.Evaluate(ctx, *rule.Conditions.Data, rule.OrganizationID, now)
	if err != nil {
		return err
	}

	switch state.Phase {
	case models.PhaseArmed:
		if !result.Matched {
			return nil
		}
		if window == 0 {
			return s.fireCompound(ctx, rule, state, &store.CompoundSwap{
				RuleID: rule.ID, From: state, To: models.Unarmed(), LastRunAt: &now,
			}, result, res)
		}
		// Data arrived without a change event reaching the dispatcher.
		to, _ := state.ObserveData(true, now)
		swapped, err := s.swap(ctx, log, store.CompoundSwap{RuleID: rule.ID, From: state, To: to})
		if swapped {
			res.SettlingStarted++
		}
		return err
	case models.PhaseSettling:
		switch state.Settle(result.Matched, now, window) {
		case models.SettleRevert:
			log.Info("data no longer matches after settling window; back to armed")
			swapped, err := s.swap(ctx, log, store.CompoundSwap{RuleID: rule.ID, From: state, To: models.Armed(state.ArmedAt)})
			if swapped {
				res.Reverted++
			}
			return err
		case models.SettleFire:
			return s.fireCompound(ctx, rule, state, &store.CompoundSwap{
				RuleID: rule.ID, From: state, To: models.Unarmed(), LastRunAt: &now,
			}, result, res)
		case models.SettleWait, models.SettleNotSettling:
			return nil
		}
	case models.PhaseUnarmed:
	}
	return nil
}

// fireCompound creates the run for the armed period and clears the compound
// state in the same transaction.
func (s *Scheduler) fireCompound(ctx context.Context, rule models.AutomationRule, period models.CompoundState, sw *store.CompoundSwap, result ConditionResult, res *TickResult) error {
	occurrence := period.ArmedAt.UTC().Format(time.RFC3339)
	meta := map[string]any{"armedAt": occurrence, "matchedRowCount": result.MatchedRowCount}
	if period.Phase == models.PhaseSettling {
		meta["dataSettledAt"] = period.SettledAt.UTC().Format(time.RFC3339)
	}
	if result.PeriodKey != "" {
		meta["periodKey"] = result.PeriodKey
	}
	run, err := s.creator.Create(ctx, CreateRunParams{
		Rule: rule,
		TriggerContext: models.TriggerContext{
			TriggerType:    models.TriggerCompound,
			OccurrenceID:   occurrence,
			OrganizationID: rule.OrganizationID,
			Metadata:       meta,
		},
		Swap: sw,
	})
	if errors.Is(err, store.ErrStateConflict) {
		telemetry.CompoundCASConflicts.Inc()
		s.log.WithField("rule_id", rule.ID).Info("compound state changed concurrently; firing skipped")
		return nil
	}
	if err != nil {
		return err
	}
	telemetry.CompoundTransitions.WithLabelValues("fired").Inc()
	s.publish(ctx, run, res)
	return nil
}

// swap applies one compound transition. A lost race is logged and reported
// as false, not as an error.
func (s *Scheduler) swap(ctx context.Context, log *logrus.Entry, sw store.CompoundSwap) (bool, error) {
	swapped, err := s.rules.SwapCompoundState(ctx, sw)
	if err != nil {
		return false, err
	}
	if !swapped {
		telemetry.CompoundCASConflicts.Inc()
		log.WithField("from", sw.From.Phase.String()).Info("compound state changed concurrently; transition skipped")
		return false, nil
	}
	telemetry.CompoundTransitions.WithLabelValues(sw.To.Phase.String()).Inc()
	log.WithFields(logrus.Fields{"from": sw.From.Phase.String(), "to": sw.To.Phase.String()}).Info("compound state updated")
	return true, nil
}
