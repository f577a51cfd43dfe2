package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RequestLimit is a fixed-window budget of requests per client IP.
type RequestLimit struct {
	Requests int
	Window   time.Duration
}

// RequestLimiter throttles unauthenticated endpoints such as signup and login.
// Counters live in Redis so limits hold across restarts; without a client the
// limiter lets everything through.
type RequestLimiter struct {
	client *redis.Client
	prefix string
	limit  RequestLimit
	logger zerolog.Logger
	now    func() time.Time
}

// NewRequestLimiter creates a limiter. client may be nil.
func NewRequestLimiter(client *redis.Client, prefix string, limit RequestLimit, logger zerolog.Logger) *RequestLimiter {
	if limit.Requests <= 0 {
		limit.Requests = 10
	}
	switch {
	case limit.Window <= 0:
		limit.Window = time.Minute
	case limit.Window < time.Millisecond:
		// Buckets are counted in whole milliseconds.
		limit.Window = time.Millisecond
	}
	return &RequestLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		logger: logger.With().Str("component", "request_limiter").Logger(),
		now:    time.Now,
	}
}

// CheckAndIncrement counts a request for key and reports whether it is within
// the limit, how many remain and when the window resets.
func (l *RequestLimiter) CheckAndIncrement(ctx context.Context, key string) (bool, int, time.Time, error) {
	now := l.now()
	bucket := now.UnixMilli() / l.limit.Window.Milliseconds()
	resetAt := time.UnixMilli((bucket + 1) * l.limit.Window.Milliseconds())
	windowKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	pipe := l.client.TxPipeline()
	countCmd := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, l.limit.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, l.limit.Requests, resetAt, fmt.Errorf("rate limit counter: %w", err)
	}

	count := int(countCmd.Val())
	remaining := l.limit.Requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= l.limit.Requests, remaining, resetAt, nil
}

// Middleware applies the limit per client IP.
func (l *RequestLimiter) Middleware(next http.Handler) http.Handler {
	if l.client == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		allowed, remaining, resetAt, err := l.CheckAndIncrement(r.Context(), ip)
		if err != nil {
			// Fail open.
			l.logger.Warn().Err(err).Str("ip", ip).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(resetAt.Sub(l.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			l.logger.Warn().
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the host part of RemoteAddr, which chi's RealIP middleware
// has already rewritten from proxy headers.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
