package metrics

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

func TestObserveRun(t *testing.T) {
	m := New()

	m.ObserveRun("success", 120*time.Millisecond)
	m.ObserveRun("success", 80*time.Millisecond)
	m.ObserveRun("error", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.AlertsTotal.WithLabelValues("entity_risk").Add(3)
	m.ObserveStage("patterns", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `harrier_alerts_created_total{type="entity_risk"} 3`))
	assert.Contains(t, body, "harrier_engine_stage_duration_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}
