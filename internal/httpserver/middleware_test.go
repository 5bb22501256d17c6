package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"jwks-srv/internal/ratelimit"
)

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, false, nil)

	rec := env.do(t, http.MethodGet, "/healthz")
	id := rec.Header().Get(headerRequestID)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	// a well-formed inbound id is kept
	inbound := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, inbound)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, inbound, rec.Header().Get(headerRequestID))

	// anything else is replaced
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "<script>")
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, "<script>", rec.Header().Get(headerRequestID))
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, false, nil)

	rec := env.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t, false, nil)

	rec := env.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	// OPTIONS is not short-circuited
	rec = env.do(t, http.MethodOptions, "/auth")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `{"detail":"Method Not Allowed"}`, rec.Body.String())
}

func TestRecoverer(t *testing.T) {
	env := newTestEnv(t, false, nil)

	h := env.srv.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Internal Server Error"}`, rec.Body.String())
}

func TestRateLimitAuth(t *testing.T) {
	env := newTestEnv(t, true, ratelimit.NewMemoryLimiter(2, time.Hour))

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/auth")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := env.do(t, http.MethodPost, "/auth")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"detail":"Too Many Requests"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// JWKS is not limited
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/jwks").Code)

	metricsRec := env.do(t, http.MethodGet, "/metrics")
	assert.Contains(t, metricsRec.Body.String(), `jwks_rate_limit_hits_total{route="/auth"} 1`)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis down")
}

func TestRateLimitBackendDown(t *testing.T) {
	env := newTestEnv(t, true, failingLimiter{})

	rec := env.do(t, http.MethodPost, "/auth")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitBackendDownWarnsOnce(t *testing.T) {
	env := newTestEnv(t, true, failingLimiter{})
	core, logs := observer.New(zap.WarnLevel)
	env.srv.log = zap.New(core)

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/auth")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, logs.FilterMessage("rate limiter unavailable").Len())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", clientIP(req))

	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", clientIP(req))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientIP(req))
}
