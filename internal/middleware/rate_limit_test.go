package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRateLimitByIP_AllowsUnderLimit verifies requests under the limit pass through
func TestRateLimitByIP_AllowsUnderLimit(t *testing.T) {
	config := RateLimitConfig{RequestsPerMinute: 5}
	handler := RateLimitByIP(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		require.Equal(t, http.StatusOK, recorder.Code)
	}
}

// TestRateLimitByIP_BlocksOverLimit verifies the sixth request in a minute is rejected
func TestRateLimitByIP_BlocksOverLimit(t *testing.T) {
	config := RateLimitConfig{RequestsPerMinute: 5}
	handler := RateLimitByIP(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "Rate limit exceeded")
}

// TestRateLimitByIP_SeparateBucketsPerIP verifies one client cannot exhaust another's budget
func TestRateLimitByIP_SeparateBucketsPerIP(t *testing.T) {
	config := RateLimitConfig{RequestsPerMinute: 1}
	handler := RateLimitByIP(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest("POST", "/auth/login", nil)
	first.RemoteAddr = "10.0.0.3:1234"
	handler.ServeHTTP(httptest.NewRecorder(), first)

	other := httptest.NewRequest("POST", "/auth/login", nil)
	other.RemoteAddr = "10.0.0.4:1234"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, other)

	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestPollRateLimit_LooserThanAuth(t *testing.T) {
	assert.Greater(t, PollRateLimit().RequestsPerMinute, DefaultAuthRateLimit().RequestsPerMinute)
}
