package automation

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/models"
	"automation-engine/internal/store"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeStore is an in-memory RuleStore, RunInserter and RowCounter with the
// same compare-and-swap and unique-key semantics as the Postgres store.
type fakeStore struct {
	mu    sync.Mutex
	rules map[string]*models.AutomationRule
	runs  map[string]*models.WorkflowRun
	seq   int

	// rows maps databaseId to the count returned for any condition on it.
	rows      map[string]int
	period    map[string]string
	countErr  map[string]error
	lastValue string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rules:    map[string]*models.AutomationRule{},
		runs:     map[string]*models.WorkflowRun{},
		rows:     map[string]int{},
		period:   map[string]string{},
		countErr: map[string]error{},
	}
}

func (f *fakeStore) addRule(r models.AutomationRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.OrganizationID == "" {
		r.OrganizationID = "org-1"
	}
	if len(r.Actions) == 0 {
		r.Actions = []models.WorkflowStep{{ID: "s1", Type: models.StepAction, ActionType: "notify"}}
	}
	r.IsActive = true
	f.rules[r.ID] = &r
}

func (f *fakeStore) rule(id string) models.AutomationRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rules[id]
}

func (f *fakeStore) setRows(databaseID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[databaseID] = n
}

func (f *fakeStore) runList() []models.WorkflowRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.WorkflowRun, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) list(match func(models.AutomationRule) bool) []models.AutomationRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AutomationRule
	for _, r := range f.rules {
		if r.IsActive && match(*r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) ListActiveRules(_ context.Context, orgID string, trigger models.TriggerType) ([]models.AutomationRule, error) {
	return f.list(func(r models.AutomationRule) bool { return r.OrganizationID == orgID && r.Trigger == trigger }), nil
}

func (f *fakeStore) ListDueRules(_ context.Context, trigger models.TriggerType, now time.Time, _ int) ([]models.AutomationRule, error) {
	return f.list(func(r models.AutomationRule) bool {
		return r.Trigger == trigger && r.NextRunAt != nil && !r.NextRunAt.After(now)
	}), nil
}

func (f *fakeStore) ListRulesByTrigger(_ context.Context, trigger models.TriggerType) ([]models.AutomationRule, error) {
	return f.list(func(r models.AutomationRule) bool { return r.Trigger == trigger }), nil
}

func (f *fakeStore) ListArmedRules(_ context.Context, orgID string) ([]models.AutomationRule, error) {
	return f.list(func(r models.AutomationRule) bool {
		return r.Trigger == models.TriggerCompound && r.ArmedAt != nil && (orgID == "" || r.OrganizationID == orgID)
	}), nil
}

func (f *fakeStore) UpdateSchedule(_ context.Context, id string, next time.Time, last *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rules[id]
	r.NextRunAt = &next
	if last != nil {
		l := *last
		r.LastRunAt = &l
	}
	return nil
}

func (f *fakeStore) TouchLastRun(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[id].LastRunAt = &at
	return nil
}

func sameState(a, b models.CompoundState) bool {
	aa, as := a.Fields()
	ba, bs := b.Fields()
	return sameTime(aa, ba) && sameTime(as, bs)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (f *fakeStore) swapLocked(sw store.CompoundSwap) bool {
	r := f.rules[sw.RuleID]
	if r == nil || !sameState(r.CompoundState(), sw.From) {
		return false
	}
	r.ArmedAt, r.DataSettledAt = sw.To.Fields()
	if sw.NextRunAt != nil {
		n := *sw.NextRunAt
		r.NextRunAt = &n
	}
	if sw.LastRunAt != nil {
		l := *sw.LastRunAt
		r.LastRunAt = &l
	}
	return true
}

func (f *fakeStore) SwapCompoundState(_ context.Context, sw store.CompoundSwap) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.swapLocked(sw), nil
}

func (f *fakeStore) InsertRun(_ context.Context, run *models.WorkflowRun, swap *store.CompoundSwap) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if swap != nil && !f.swapLocked(*swap) {
		return false, fmt.Errorf("rule %s: %w", swap.RuleID, store.ErrStateConflict)
	}
	if _, exists := f.runs[run.IdempotencyKey]; exists {
		return false, nil
	}
	f.seq++
	run.ID = fmt.Sprintf("run-%03d", f.seq)
	cp := *run
	f.runs[run.IdempotencyKey] = &cp
	return true, nil
}

func (f *fakeStore) CountMatchingRows(_ context.Context, _ string, cond models.DataCondition, value string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastValue = value
	if err := f.countErr[cond.DatabaseID]; err != nil {
		return 0, "", err
	}
	return f.rows[cond.DatabaseID], f.period[cond.DatabaseID], nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []models.ExecutionMessage
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, msg models.ExecutionMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fakeLocker struct {
	held bool
}

func (l *fakeLocker) TryLock(context.Context) (func(context.Context) error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error { l.held = false; return nil }, true, nil
}

type engine struct {
	store     *fakeStore
	pub       *fakePublisher
	creator   *RunCreator
	scheduler *Scheduler
	dispatch  *Dispatcher
	clock     time.Time
}

func newEngine() *engine {
	e := &engine{store: newFakeStore(), pub: &fakePublisher{}}
	log := quietLogger()
	e.creator = NewRunCreator(e.store, log)
	eval := NewEvaluator(e.store)
	e.scheduler = NewScheduler(SchedulerConfig{}, e.store, e.creator, eval, e.pub, nil, log)
	e.scheduler.now = func() time.Time { return e.clock }
	e.dispatch = NewDispatcher(e.store, e.creator, eval, e.pub, log)
	e.dispatch.now = func() time.Time { return e.clock }
	return e
}

func ptr(t time.Time) *time.Time { return &t }
