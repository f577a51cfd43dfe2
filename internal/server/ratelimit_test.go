package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRequestLimiterWithoutRedis verifies a limiter without a client lets
// every request through.
func TestRequestLimiterWithoutRedis(t *testing.T) {
	limiter := NewRequestLimiter(nil, "test", RequestLimit{Requests: 1, Window: time.Minute}, zerolog.Nop())
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/login", http.NoBody))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

// TestRequestLimiterFailsOpen verifies an unreachable Redis does not block
// requests.
func TestRequestLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRequestLimiter(client, "test", RequestLimit{Requests: 1, Window: time.Minute}, zerolog.Nop())
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/login", http.NoBody))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// TestRequestLimiterWithRedis runs against REDIS_URL when it is set.
func TestRequestLimiterWithRedis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	prefix := "roomhub-test:" + uuid.NewString()
	limiter := NewRequestLimiter(client, prefix, RequestLimit{Requests: 3, Window: time.Minute}, zerolog.Nop())
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/login", http.NoBody))
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/login", http.NoBody))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other clients have their own budget.
	allowed, remaining, _, err := limiter.CheckAndIncrement(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2, remaining)
}

// TestNewRequestLimiterWindowBounds verifies unset and sub-millisecond
// windows are replaced with usable ones.
func TestNewRequestLimiterWindowBounds(t *testing.T) {
	tests := []struct {
		window time.Duration
		want   time.Duration
	}{
		{0, time.Minute},
		{-time.Second, time.Minute},
		{time.Microsecond, time.Millisecond},
		{999 * time.Microsecond, time.Millisecond},
		{time.Millisecond, time.Millisecond},
		{time.Hour, time.Hour},
	}
	for _, tt := range tests {
		limiter := NewRequestLimiter(nil, "test", RequestLimit{Requests: 1, Window: tt.window}, zerolog.Nop())
		assert.Equal(t, tt.want, limiter.limit.Window, "window %v", tt.window)
		assert.NotZero(t, limiter.limit.Window.Milliseconds())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "198.51.100.7:52311"
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.RemoteAddr = "198.51.100.7"
	assert.Equal(t, "198.51.100.7", clientIP(req))
}
