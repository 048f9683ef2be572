// Package ratelimit enforces a fixed-window attempt budget per (client, fence)
// identifier.
//
// The window opens on the first attempt and lasts for the configured length.
// Counting happens in a Backend: the bbolt backend persists windows next to the
// rest of geogate's state, the Redis backend shares them between processes.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/geogate/internal/metrics"
)

// Backend counts attempts in fixed windows.
type Backend interface {
	// Hit records one attempt for key and returns the attempt count of the
	// window it landed in, including this one. A window older than window is
	// discarded and a new one opened at now.
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
}

// Pinger is implemented by backends that live outside the store and can be
// checked for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Identifier builds the rate-limit key for a client address attempting a fence.
func Identifier(clientAddr, fenceID string) string {
	return clientAddr + "|" + fenceID
}

// Limiter applies a per-call budget on top of a Backend.
type Limiter struct {
	backend Backend
	now     func() time.Time
}

// New returns a Limiter counting in backend.
func New(backend Backend) *Limiter {
	return &Limiter{backend: backend, now: time.Now}
}

// Allow records an attempt for identifier and reports whether it fits within
// maxAttempts for the current window. maxAttempts <= 0 disables limiting.
// Backend errors are returned unchanged; callers decide how to fail.
func (l *Limiter) Allow(ctx context.Context, identifier string, maxAttempts int, window time.Duration) (bool, error) {
	if maxAttempts <= 0 {
		metrics.RateLimitChecks.WithLabelValues("unlimited").Inc()
		return true, nil
	}
	if window <= 0 {
		return false, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	count, err := l.backend.Hit(ctx, identifier, window, l.now().UTC())
	if err != nil {
		metrics.RateLimitChecks.WithLabelValues("error").Inc()
		return false, err
	}
	if count > maxAttempts {
		metrics.RateLimitChecks.WithLabelValues("denied").Inc()
		return false, nil
	}
	metrics.RateLimitChecks.WithLabelValues("allowed").Inc()
	return true, nil
}
