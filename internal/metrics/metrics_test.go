package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordToken("valid", "ok")
	m.RecordToken("valid", "ok")
	m.RecordNoValidKeys()
	m.RecordKeyGenerated("rotation")
	m.RecordSweep(3)
	m.SetStoreKeys(2, 1)
	m.RecordHTTP(http.MethodPost, "/auth", http.StatusOK, 5*time.Millisecond)
	m.RecordRateLimitHit("/auth")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.TokensIssued.WithLabelValues("valid", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NoValidKeys))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KeysGenerated.WithLabelValues("rotation")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.KeysSwept))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StoreKeys.WithLabelValues("valid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/auth", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitHits.WithLabelValues("/auth")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordToken("valid", "ok")
		m.RecordNoValidKeys()
		m.RecordKeyGenerated("startup")
		m.RecordSweep(1)
		m.SetStoreKeys(1, 1)
		m.RecordHTTP(http.MethodGet, "/jwks", http.StatusOK, time.Millisecond)
		m.RecordRateLimitHit("/auth")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordSweep(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jwks_keys_swept_total 2")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
