package retry

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxJitter  = 250 * time.Millisecond
)

// Policy bounds retries of rate-limited calls. MaxRetries is the total attempt
// budget: an operation rate-limited N times in a row succeeds only when
// N < MaxRetries. Values <= 0 allow a single attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration

	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a random duration in [0, max). Defaults to math/rand.
	Jitter func(max time.Duration) time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxJitter:  DefaultMaxJitter,
	}
}

// Backoff returns the wait before the retry that follows attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base < 0 {
		base = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt))
	if p.MaxJitter > 0 {
		jitter := p.Jitter
		if jitter == nil {
			jitter = randomJitter
		}
		d += jitter(p.MaxJitter)
	}
	return d
}

// Do runs op, retrying only while it fails with a rate-limit signal and the
// attempt budget allows. Any other error is returned unchanged after the
// first attempt. After exhaustion the last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRateLimited(err) || attempt+1 >= maxAttempts {
			return zero, err
		}

		wait := p.Backoff(attempt)
		logger.WarnCF("retry", "Rate limited, backing off", map[string]interface{}{
			"attempt": attempt + 1,
			"max":     maxAttempts,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		})
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

// statusCoder is implemented by provider errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

var rateLimitMarkers = []string{
	"status=429",
	"status 429",
	"too many requests",
	"rate limit",
	"rate_limit",
	"ratelimit",
	"resource_exhausted",
}

// IsRateLimited reports whether err signals "too many requests". A status
// code found in the chain decides on its own; textual markers are only
// consulted for errors that carry no status.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() != 0 {
		return sc.HTTPStatus() == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
