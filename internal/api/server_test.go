package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-engine/internal/automation"
	"automation-engine/internal/models"
	"automation-engine/internal/ratelimit"
	"automation-engine/internal/store"
	"automation-engine/internal/worker"
)

type memStore struct {
	rules  map[string]models.AutomationRule
	runs   map[string]models.WorkflowRun
	audit  map[string][]models.AuditLogEntry
	filter models.RunFilter
}

func newMemStore() *memStore {
	return &memStore{
		rules: map[string]models.AutomationRule{},
		runs:  map[string]models.WorkflowRun{},
		audit: map[string][]models.AuditLogEntry{},
	}
}

func (m *memStore) CreateRule(_ context.Context, r *models.AutomationRule) error {
	r.ID = fmt.Sprintf("rule-%d", len(m.rules)+1)
	m.rules[r.ID] = *r
	return nil
}

func (m *memStore) GetRule(_ context.Context, id string) (models.AutomationRule, error) {
	r, ok := m.rules[id]
	if !ok {
		return r, fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (m *memStore) ListRules(_ context.Context, orgID string) ([]models.AutomationRule, error) {
	var out []models.AutomationRule
	for _, r := range m.rules {
		if r.OrganizationID == orgID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) SetRuleActive(_ context.Context, id string, active bool) error {
	r, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	r.IsActive = active
	m.rules[id] = r
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (models.WorkflowRun, error) {
	r, ok := m.runs[id]
	if !ok {
		return r, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (m *memStore) ListRuns(_ context.Context, f models.RunFilter) ([]models.WorkflowRun, error) {
	m.filter = f
	out := []models.WorkflowRun{}
	for _, r := range m.runs {
		if r.OrganizationID == f.OrganizationID && (f.Status == "" || r.Status == f.Status) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListAudit(_ context.Context, runID string) ([]models.AuditLogEntry, error) {
	return m.audit[runID], nil
}

type fakeDispatcher struct {
	got []models.Occurrence
	err error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, occ models.Occurrence) (automation.DispatchResult, error) {
	d.got = append(d.got, occ)
	if d.err != nil {
		return automation.DispatchResult{}, d.err
	}
	return automation.DispatchResult{Matched: 1, RunIDs: []string{"run-1"}}, nil
}

type fakeControl struct {
	actor  string
	reason string
	err    error
}

func (c *fakeControl) Approve(_ context.Context, runID, actor string) (models.WorkflowRun, error) {
	c.actor = actor
	return models.WorkflowRun{ID: runID, Status: models.RunPending}, c.err
}

func (c *fakeControl) Reject(_ context.Context, runID, actor, reason string) (models.WorkflowRun, error) {
	c.actor, c.reason = actor, reason
	return models.WorkflowRun{ID: runID, Status: models.RunFailed}, c.err
}

func (c *fakeControl) Cancel(_ context.Context, runID, actor string) (models.WorkflowRun, error) {
	c.actor = actor
	return models.WorkflowRun{ID: runID, Status: models.RunCancelled}, c.err
}

type fakeLimiter struct{ allow bool }

func (l fakeLimiter) AllowOrg(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: l.allow}, nil
}

type testServer struct {
	store   *memStore
	disp    *fakeDispatcher
	control *fakeControl
	handler http.Handler
}

func newTestServer(limiter Limiter) *testServer {
	l := logrus.New()
	l.SetOutput(io.Discard)
	ts := &testServer{store: newMemStore(), disp: &fakeDispatcher{}, control: &fakeControl{}}
	srv := New(ts.store, ts.disp, ts.control, limiter, nil, logrus.NewEntry(l))
	srv.now = func() time.Time { return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC) }
	ts.handler = srv.Router()
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestTrigger_DispatchesValidOccurrence(t *testing.T) {
	ts := newTestServer(fakeLimiter{allow: true})
	rec := ts.do(http.MethodPost, "/api/v1/triggers",
		`{"triggerType":"board_created","triggerEventId":"b-1","organizationId":"org-1","metadata":{"boardId":"b-1"}}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res automation.DispatchResult
	decode(t, rec, &res)
	assert.Equal(t, []string{"run-1"}, res.RunIDs)
	require.Len(t, ts.disp.got, 1)
	assert.Equal(t, "b-1", ts.disp.got[0].Context().MetaString("boardId"))
}

func TestTrigger_RejectsBadInput(t *testing.T) {
	ts := newTestServer(nil)
	cases := map[string]string{
		"bad json":      `{`,
		"unknown type":  `{"triggerType":"nope","triggerEventId":"x","organizationId":"org-1"}`,
		"missing id":    `{"triggerType":"board_created","organizationId":"org-1"}`,
		"missing org":   `{"triggerType":"board_created","triggerEventId":"x"}`,
		"blank eventId": `{"triggerType":"form_submitted","triggerEventId":"  ","organizationId":"org-1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/v1/triggers", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, ts.disp.got)
}

func TestTrigger_RateLimited(t *testing.T) {
	ts := newTestServer(fakeLimiter{allow: false})
	rec := ts.do(http.MethodPost, "/api/v1/triggers",
		`{"triggerType":"board_created","triggerEventId":"b-1","organizationId":"org-1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, ts.disp.got)
}

func TestTrigger_DispatchFailureIs500(t *testing.T) {
	ts := newTestServer(nil)
	ts.disp.err = errors.New("postgres down")
	rec := ts.do(http.MethodPost, "/api/v1/triggers",
		`{"triggerType":"board_created","triggerEventId":"b-1","organizationId":"org-1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "postgres down")
}

func TestRuns_ListAndGet(t *testing.T) {
	ts := newTestServer(nil)
	ts.store.runs["run-1"] = models.WorkflowRun{ID: "run-1", OrganizationID: "org-1", Status: models.RunCompleted}
	ts.store.runs["run-2"] = models.WorkflowRun{ID: "run-2", OrganizationID: "org-1", Status: models.RunFailed}
	ts.store.audit["run-1"] = []models.AuditLogEntry{{ID: 1, RunID: "run-1", Outcome: models.OutcomeSucceeded}}

	rec := ts.do(http.MethodGet, "/api/v1/runs?status=COMPLETED&ruleId=rule-9&limit=10&offset=5", "", "X-Organization-ID", "org-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		Runs []models.WorkflowRun `json:"runs"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "run-1", list.Runs[0].ID)
	assert.Equal(t, models.RunFilter{OrganizationID: "org-1", Status: models.RunCompleted, RuleID: "rule-9", Limit: 10, Offset: 5}, ts.store.filter)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/runs", "").Code, "organization required")
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/runs?organizationId=org-1&status=DONE", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/runs?organizationId=org-1&limit=ten", "").Code)

	rec = ts.do(http.MethodGet, "/api/v1/runs/run-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run models.WorkflowRun
	decode(t, rec, &run)
	assert.Equal(t, models.RunFailed, run.Status)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/v1/runs/missing", "").Code)

	rec = ts.do(http.MethodGet, "/api/v1/runs/run-1/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"succeeded"`)

	rec = ts.do(http.MethodGet, "/api/v1/runs/run-2/audit", "")
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestRunControl(t *testing.T) {
	ts := newTestServer(nil)

	rec := ts.do(http.MethodPost, "/api/v1/runs/run-1/approve", `{"actor":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", ts.control.actor)

	rec = ts.do(http.MethodPost, "/api/v1/runs/run-1/reject", "", "X-Actor", "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", ts.control.actor)

	rec = ts.do(http.MethodPost, "/api/v1/runs/run-1/reject", `{"actor":"bob","reason":"wrong board"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wrong board", ts.control.reason)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/v1/runs/run-1/approve", "").Code, "actor required")

	rec = ts.do(http.MethodPost, "/api/v1/runs/run-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ActorSystem, ts.control.actor)
}

func TestRunControl_ErrorMapping(t *testing.T) {
	ts := newTestServer(nil)

	ts.control.err = fmt.Errorf("run run-1 is COMPLETED: %w", worker.ErrInvalidTransition)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/api/v1/runs/run-1/cancel", "").Code)

	ts.control.err = fmt.Errorf("run run-1: %w", store.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/api/v1/runs/run-1/approve", `{"actor":"a"}`).Code)
}

func TestRules_CreateScheduledSetsNextRun(t *testing.T) {
	ts := newTestServer(nil)
	body := `{"organizationId":"org-1","name":"Daily digest","trigger":"scheduled","cronExpression":"0 9 * * *",
		"actions":[{"id":"s1","type":"action","actionType":"send_email"}]}`

	rec := ts.do(http.MethodPost, "/api/v1/rules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule models.AutomationRule
	decode(t, rec, &rule)
	assert.True(t, rule.IsActive)
	require.NotNil(t, rule.NextRunAt)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), rule.NextRunAt.UTC())

	rec = ts.do(http.MethodGet, "/api/v1/rules/"+rule.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/rules?organizationId=org-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Daily digest")
}

func TestRules_CreateEventRuleHasNoSchedule(t *testing.T) {
	ts := newTestServer(nil)
	body := `{"name":"On upload","trigger":"data_uploaded","isActive":false,
		"actions":[{"id":"s1","type":"action","actionType":"notify"}]}`

	rec := ts.do(http.MethodPost, "/api/v1/rules", body, "X-Organization-ID", "org-2")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule models.AutomationRule
	decode(t, rec, &rule)
	assert.Equal(t, "org-2", rule.OrganizationID)
	assert.False(t, rule.IsActive)
	assert.Nil(t, rule.NextRunAt)
}

func TestRules_CreateValidation(t *testing.T) {
	ts := newTestServer(nil)
	cases := map[string]string{
		"no steps":     `{"organizationId":"org-1","name":"x","trigger":"board_created","actions":[]}`,
		"bad trigger":  `{"organizationId":"org-1","name":"x","trigger":"nope","actions":[{"id":"s1","type":"action","actionType":"a"}]}`,
		"missing cron": `{"organizationId":"org-1","name":"x","trigger":"scheduled","actions":[{"id":"s1","type":"action","actionType":"a"}]}`,
		"bad cron":     `{"organizationId":"org-1","name":"x","trigger":"scheduled","cronExpression":"61 25 * * *","actions":[{"id":"s1","type":"action","actionType":"a"}]}`,
		"no org":       `{"name":"x","trigger":"board_created","actions":[{"id":"s1","type":"action","actionType":"a"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/v1/rules", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, ts.store.rules)
}

func TestRules_Deactivate(t *testing.T) {
	ts := newTestServer(nil)
	ts.store.rules["rule-1"] = models.AutomationRule{ID: "rule-1", OrganizationID: "org-1", IsActive: true}

	rec := ts.do(http.MethodPost, "/api/v1/rules/rule-1/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ts.store.rules["rule-1"].IsActive)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/api/v1/rules/rule-x/deactivate", "").Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(nil)
	rec := ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
