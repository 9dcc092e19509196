package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// HeaderWorkspaceID carries the caller's workspace on every API request.
const HeaderWorkspaceID = "X-Workspace-ID"

// HeaderUserID optionally identifies the acting user for audit logging.
const HeaderUserID = "X-User-ID"

// caller tracks the rate limit state for one workspace (or IP, for requests
// without a workspace header).
type caller struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter is a token-bucket rate limiter keyed by workspace so one noisy
// workspace cannot starve the others.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*caller
	rate    float64 // tokens per second
	burst   int     // max tokens
}

// NewRateLimiter creates a rate limiter with the given rate (requests/sec) and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		callers: make(map[string]*caller),
		rate:    rps,
		burst:   burst,
	}

	// Clean up stale entries every 5 minutes
	go func() {
		for {
			time.Sleep(5 * time.Minute)
			rl.cleanup()
		}
	}()

	return rl
}

// Middleware returns an echo middleware function that enforces rate limits.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(HeaderWorkspaceID)
			if key == "" {
				key = c.RealIP()
			}
			if !rl.allow(key) {
				slog.Warn("rate limit exceeded", "caller", key)
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded, try again later",
				})
			}
			return next(c)
		}
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.callers[key]
	now := time.Now()

	if !exists {
		rl.callers[key] = &caller{
			tokens:    float64(rl.burst) - 1,
			lastCheck: now,
		}
		return true
	}

	// Add tokens based on elapsed time
	elapsed := now.Sub(v.lastCheck).Seconds()
	v.tokens += elapsed * rl.rate
	if v.tokens > float64(rl.burst) {
		v.tokens = float64(rl.burst)
	}
	v.lastCheck = now

	if v.tokens < 1 {
		return false
	}

	v.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for key, v := range rl.callers {
		if v.lastCheck.Before(cutoff) {
			delete(rl.callers, key)
		}
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"workspace_id", req.Header.Get(HeaderWorkspaceID),
				"ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
