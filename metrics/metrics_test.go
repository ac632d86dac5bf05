package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Generation("success")
	m.Generation("success")
	m.Generation("quota_exceeded")
	m.Fetch("timeout")
	m.QuotaRejected()
	m.RunTransition("queued")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.generations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("quota_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaRejections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runTransitions.WithLabelValues("queued")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Generation("success")
		m.Fetch("ok")
		m.QuotaRejected()
		m.RunTransition("running")
		m.ModelCall("x", "ok", time.Second)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ModelCall("gemini-2.0-flash", "ok", 1500*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "testgen_model_call_duration_seconds")
	assert.Contains(t, string(body), `model="gemini-2.0-flash"`)
}
