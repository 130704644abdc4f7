package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/audit"
	"automation-engine/internal/models"
	"automation-engine/internal/store"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// memStore is an in-memory RunStore and audit.Store with the same
// status-guarded update semantics as Postgres.
type memStore struct {
	mu      sync.Mutex
	runs    map[string]*models.WorkflowRun
	rules   map[string]models.AutomationRule
	audit   []models.AuditLogEntry
	indexes map[string][]int
	clock   func() time.Time
}

func newMemStore(clock func() time.Time) *memStore {
	return &memStore{
		runs:    map[string]*models.WorkflowRun{},
		rules:   map[string]models.AutomationRule{},
		indexes: map[string][]int{},
		clock:   clock,
	}
}

func (m *memStore) addRule(r models.AutomationRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.OrganizationID == "" {
		r.OrganizationID = "org-1"
	}
	m.rules[r.ID] = r
}

func (m *memStore) addRun(run models.WorkflowRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.Status == "" {
		run.Status = models.RunPending
	}
	if run.OrganizationID == "" {
		run.OrganizationID = "org-1"
	}
	run.UpdatedAt = m.clock()
	m.runs[run.ID] = &run
}

func (m *memStore) run(id string) models.WorkflowRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.runs[id]
}

func (m *memStore) GetRun(_ context.Context, id string) (models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return models.WorkflowRun{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	cp := *r
	cp.StepResults = append([]models.StepResult(nil), r.StepResults...)
	return cp, nil
}

func (m *memStore) GetRule(_ context.Context, id string) (models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return r, fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (m *memStore) ClaimRun(_ context.Context, id string, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, nil
	}
	stale := r.Status == models.RunRunning && (r.ClaimedAt == nil || r.ClaimedAt.Before(staleBefore))
	if r.Status != models.RunPending && !stale {
		return false, nil
	}
	r.Status = models.RunRunning
	r.ClaimedAt = &now
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.UpdatedAt = now
	return true, nil
}

func (m *memStore) TransitionRun(_ context.Context, id string, from []models.RunStatus, to models.RunStatus, upd models.RunUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range from {
		if r.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	now := m.clock()
	r.Status = to
	if upd.CurrentStepIndex != nil {
		r.CurrentStepIndex = *upd.CurrentStepIndex
		m.indexes[id] = append(m.indexes[id], r.CurrentStepIndex)
	}
	if upd.CurrentStepID != nil {
		r.CurrentStepID = *upd.CurrentStepID
	}
	if upd.StepResults != nil {
		r.StepResults = append([]models.StepResult(nil), upd.StepResults...)
	}
	if upd.ClearDeadline {
		r.ApprovalDeadline = nil
	} else if upd.ApprovalDeadline != nil {
		d := *upd.ApprovalDeadline
		r.ApprovalDeadline = &d
	}
	if upd.FailureCode != "" {
		c := upd.FailureCode
		r.FailureCode = &c
	}
	if upd.FailureReason != "" {
		reason := upd.FailureReason
		r.FailureReason = &reason
	}
	if to.Terminal() {
		r.CompletedAt = &now
	}
	if to == models.RunRunning {
		r.ClaimedAt = &now
	}
	r.UpdatedAt = now
	return true, nil
}

func (m *memStore) ListExpiredApprovals(_ context.Context, now time.Time, _ int) ([]models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowRun
	for _, r := range m.runs {
		if r.Status == models.RunWaitingApproval && r.ApprovalDeadline != nil && !r.ApprovalDeadline.After(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) TakeStaleRuns(_ context.Context, pendingBefore, claimedBefore time.Time, _ int) ([]models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowRun
	for _, r := range m.runs {
		pending := r.Status == models.RunPending && r.UpdatedAt.Before(pendingBefore)
		dead := r.Status == models.RunRunning && r.ClaimedAt != nil && r.ClaimedAt.Before(claimedBefore) && r.UpdatedAt.Before(claimedBefore)
		if pending || dead {
			r.UpdatedAt = m.clock()
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) AppendAudit(_ context.Context, e *models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, *e)
	return nil
}

func (m *memStore) ListAudit(_ context.Context, runID string) ([]models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLogEntry
	for _, e := range m.audit {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

type recordingActions struct {
	mu    sync.Mutex
	calls []ActionRequest
	fn    func(ActionRequest) (ActionResult, error)
}

func (a *recordingActions) Dispatch(_ context.Context, req ActionRequest) (ActionResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return ActionResult{Success: true, Detail: "ok"}, nil
}

func (a *recordingActions) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type stubAgents struct {
	output map[string]any
	err    error
	calls  int
}

func (s *stubAgents) Run(_ context.Context, _ AgentRequest) (map[string]any, error) {
	s.calls++
	return s.output, s.err
}

type memPublisher struct {
	mu   sync.Mutex
	msgs []models.ExecutionMessage
}

func (p *memPublisher) Publish(_ context.Context, msg models.ExecutionMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

type memCanceller struct{ ids []string }

func (c *memCanceller) Cancel(_ context.Context, id string) error {
	c.ids = append(c.ids, id)
	return nil
}

// harness wires an executor and control surface over memStore with one
// adjustable clock.
type harness struct {
	store     *memStore
	actions   *recordingActions
	agents    *stubAgents
	pub       *memPublisher
	cancelled *memCanceller
	exec      *Executor
	control   *Control
	clock     time.Time
}

func newHarness() *harness {
	h := &harness{
		actions:   &recordingActions{},
		agents:    &stubAgents{output: map[string]any{"summary": "done"}},
		pub:       &memPublisher{},
		cancelled: &memCanceller{},
		clock:     time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return h.clock }
	h.store = newMemStore(now)
	log := quietLogger()
	auditLog := audit.NewLogger(h.store, log)
	h.exec = NewExecutor(h.store, h.actions, h.agents, auditLog, 2*time.Minute, log)
	h.exec.now = now
	h.control = NewControl(h.store, h.pub, h.cancelled, auditLog, log)
	h.control.now = now
	return h
}

func (h *harness) message(runID string) models.ExecutionMessage {
	return h.store.run(runID).ExecutionMessage()
}

func (h *harness) seed(rule models.AutomationRule) models.WorkflowRun {
	h.store.addRule(rule)
	run := models.WorkflowRun{
		ID:               "run-1",
		AutomationRuleID: rule.ID,
		CurrentStepID:    rule.Actions[0].ID,
		TriggerContext: models.TriggerContext{
			TriggerType:    models.TriggerBoardCreated,
			OccurrenceID:   "board-9",
			OrganizationID: "org-1",
			Metadata:       map[string]any{"boardId": "board-9", "rows": 12},
		},
		TriggeredBy:    models.ActorSystem,
		IdempotencyKey: rule.ID + ":board_created:board-9",
	}
	h.store.addRun(run)
	return h.store.run(run.ID)
}
