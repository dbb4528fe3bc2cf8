package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.EventsApplied.WithLabelValues("newAlert", "inserted").Inc()
	a.EventsApplied.WithLabelValues("newAlert", "inserted").Inc()
	a.ReconnectsTotal.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.EventsApplied.WithLabelValues("newAlert", "inserted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsApplied.WithLabelValues("newAlert", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ReconnectsTotal))
}

func TestMetrics_ObserveRoster(t *testing.T) {
	m := New()
	m.ObserveRoster(5, 2, 1, 1, 1, 3)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.RosterSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PatientsByStatus.WithLabelValues("critical")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AlertsActive))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.DecodeErrors.WithLabelValues("malformed_payload").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `monitor_decode_errors_total{kind="malformed_payload"} 1`)
}
