package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailoverMetrics(t *testing.T) {
	RecordFailoverAttempt("metrics-primary", "rate_limit")
	RecordFailoverAttempt("metrics-primary", "rate_limit")

	m := getMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failoverAttempts.WithLabelValues("metrics-primary", "rate_limit")))

	SetProfileCooldown("metrics-primary", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.profileCooldown.WithLabelValues("metrics-primary")))
	SetProfileCooldown("metrics-primary", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.profileCooldown.WithLabelValues("metrics-primary")))
}

func TestCompactionMetrics(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.compactedMessages)

	RecordCompaction("rolling", "fallback", 7)

	assert.Equal(t, before+7, testutil.ToFloat64(m.compactedMessages))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.compactionTotal.WithLabelValues("rolling", "fallback")), 1.0)
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	RecordAgentRun("done", 10*time.Millisecond)
	RecordToolExecution("echo", time.Millisecond, true)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "ranya_agent_agent_run_total"))
	assert.True(t, strings.Contains(body, "ranya_agent_tool_execution_total"))
}
