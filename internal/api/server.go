package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"automation-engine/internal/automation"
	"automation-engine/internal/models"
	"automation-engine/internal/ratelimit"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
	"automation-engine/internal/worker"
)

// Store is the persistence the HTTP surface reads and writes.
type Store interface {
	CreateRule(ctx context.Context, r *models.AutomationRule) error
	GetRule(ctx context.Context, id string) (models.AutomationRule, error)
	ListRules(ctx context.Context, orgID string) ([]models.AutomationRule, error)
	SetRuleActive(ctx context.Context, id string, active bool) error
	GetRun(ctx context.Context, id string) (models.WorkflowRun, error)
	ListRuns(ctx context.Context, f models.RunFilter) ([]models.WorkflowRun, error)
	ListAudit(ctx context.Context, runID string) ([]models.AuditLogEntry, error)
}

// TriggerDispatcher is satisfied by *automation.Dispatcher.
type TriggerDispatcher interface {
	Dispatch(ctx context.Context, occ models.Occurrence) (automation.DispatchResult, error)
}

// RunControl is satisfied by *worker.Control.
type RunControl interface {
	Approve(ctx context.Context, runID, actor string) (models.WorkflowRun, error)
	Reject(ctx context.Context, runID, actor, reason string) (models.WorkflowRun, error)
	Cancel(ctx context.Context, runID, actor string) (models.WorkflowRun, error)
}

// Limiter meters trigger ingestion per organization.
type Limiter interface {
	AllowOrg(ctx context.Context, orgID string) (ratelimit.Decision, error)
}

// DeadLetters exposes the hand-off DLQ.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for trigger ingestion, run queries, run
// control and rule administration.
type Server struct {
	store      Store
	dispatcher TriggerDispatcher
	control    RunControl
	limiter    Limiter
	dlq        DeadLetters
	log        *logrus.Entry
	now        func() time.Time
}

// New constructs the API server. limiter and dlq may be nil.
func New(st Store, d TriggerDispatcher, control RunControl, limiter Limiter, dlq DeadLetters, log *logrus.Entry) *Server {
	return &Server{
		store:      st,
		dispatcher: d,
		control:    control,
		limiter:    limiter,
		dlq:        dlq,
		log:        log.WithField("component", "api"),
		now:        time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(contentTypeJSON)

		r.Post("/triggers", s.handleTrigger)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/audit", s.handleRunAudit)
		r.Post("/runs/{id}/approve", s.handleApprove)
		r.Post("/runs/{id}/reject", s.handleReject)
		r.Post("/runs/{id}/cancel", s.handleCancel)

		r.Post("/rules", s.handleCreateRule)
		r.Get("/rules", s.handleListRules)
		r.Get("/rules/{id}", s.handleGetRule)
		r.Post("/rules/{id}/deactivate", s.handleDeactivateRule)

		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var occ models.Occurrence
	if err := json.NewDecoder(r.Body).Decode(&occ); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := automation.ValidateOccurrence(occ); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		decision, err := s.limiter.AllowOrg(r.Context(), occ.OrganizationID)
		if err != nil {
			s.log.WithError(err).Error("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	res, err := s.dispatcher.Dispatch(r.Context(), occ)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.RunFilter{OrganizationID: orgFromRequest(r), RuleID: q.Get("ruleId")}
	if f.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "organizationId is required")
		return
	}
	if v := q.Get("status"); v != "" {
		status, ok := models.ParseRunStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		f.Status = status
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	entries, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type controlRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// decodeControl reads the optional control body. The actor falls back to
// the X-Actor header.
func decodeControl(r *http.Request) (controlRequest, error) {
	var req controlRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, err
		}
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get("X-Actor")
	}
	return req, nil
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, err := decodeControl(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	run, err := s.control.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, err := decodeControl(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	run, err := s.control.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, err := decodeControl(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Actor == "" {
		req.Actor = models.ActorSystem
	}
	run, err := s.control.Cancel(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type createRuleRequest struct {
	OrganizationID string                `json:"organizationId"`
	Name           string                `json:"name"`
	Trigger        models.TriggerType    `json:"trigger"`
	Conditions     models.RuleConditions `json:"conditions"`
	CronExpression string                `json:"cronExpression"`
	Timezone       string                `json:"timezone"`
	Actions        []models.WorkflowStep `json:"actions"`
	IsActive       *bool                 `json:"isActive"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OrganizationID == "" {
		req.OrganizationID = orgFromRequest(r)
	}
	rule := models.AutomationRule{
		OrganizationID: req.OrganizationID,
		Name:           strings.TrimSpace(req.Name),
		Trigger:        req.Trigger,
		Conditions:     req.Conditions,
		CronExpression: strings.TrimSpace(req.CronExpression),
		Timezone:       req.Timezone,
		Actions:        req.Actions,
		IsActive:       req.IsActive == nil || *req.IsActive,
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rule.Trigger.TimeDriven() && rule.CronExpression != "" {
		next, err := automation.NextRun(rule.CronExpression, rule.Timezone, s.now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rule.NextRunAt = &next
	}

	if err := s.store.CreateRule(r.Context(), &rule); err != nil {
		s.fail(w, err)
		return
	}
	s.log.WithFields(logrus.Fields{"rule_id": rule.ID, "trigger": rule.Trigger, "organization_id": rule.OrganizationID}).Info("rule created")
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	org := orgFromRequest(r)
	if org == "" {
		writeError(w, http.StatusBadRequest, "organizationId is required")
		return
	}
	rules, err := s.store.ListRules(r.Context(), org)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.SetRuleActive(r.Context(), id, false); err != nil {
		s.fail(w, err)
		return
	}
	s.log.WithField("rule_id", id).Info("rule deactivated")
	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleDLQ returns the raw dead-lettered hand-off messages.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// fail maps domain errors onto status codes; anything unrecognised is a 500
// and is logged.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, worker.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, automation.ErrInvalidOccurrence):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func orgFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("organizationId"); v != "" {
		return v
	}
	return r.Header.Get("X-Organization-ID")
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
