package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesEngineMetrics(t *testing.T) {
	h := Handler()
	// Calling twice must not re-register.
	h = Handler()

	RunsCreated.WithLabelValues("scheduled").Inc()
	SchedulerRuleErrors.WithLabelValues("compound_settle").Inc()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `automation_runs_created_total{trigger="scheduled"}`)
	assert.Contains(t, string(body), `automation_scheduler_rule_errors_total{pool="compound_settle"}`)
}
