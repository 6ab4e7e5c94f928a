package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

// recordingPolicy never really sleeps and records every requested wait.
func recordingPolicy(maxRetries int, waits *[]time.Duration) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  100 * time.Millisecond,
		MaxJitter:  10 * time.Millisecond,
		Jitter:     func(time.Duration) time.Duration { return 5 * time.Millisecond },
		Sleep: func(_ context.Context, d time.Duration) error {
			*waits = append(*waits, d)
			return nil
		},
	}
}

func flakyOp(failures int, failWith error) (func(context.Context) (string, error), *int) {
	calls := 0
	return func(context.Context) (string, error) {
		calls++
		if calls <= failures {
			return "", failWith
		}
		return "ok", nil
	}, &calls
}

func TestDo_RateLimitedThenSucceeds(t *testing.T) {
	for _, n := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("failures=%d", n), func(t *testing.T) {
			var waits []time.Duration
			op, calls := flakyOp(n, &statusErr{code: http.StatusTooManyRequests})

			got, err := Do(context.Background(), recordingPolicy(3, &waits), op)

			require.NoError(t, err)
			assert.Equal(t, "ok", got)
			assert.Equal(t, n+1, *calls)
			assert.Len(t, waits, n)
		})
	}
}

func TestDo_ExhaustionPropagatesError(t *testing.T) {
	for _, n := range []int{3, 4, 10} {
		t.Run(fmt.Sprintf("failures=%d", n), func(t *testing.T) {
			var waits []time.Duration
			rateErr := errors.New("openrouter API request failed: status=429 error=Rate limit exceeded")
			op, calls := flakyOp(n, rateErr)

			_, err := Do(context.Background(), recordingPolicy(3, &waits), op)

			require.Error(t, err)
			assert.Same(t, rateErr, err)
			assert.Equal(t, 3, *calls)
		})
	}
}

func TestDo_NonRateLimitFailsFast(t *testing.T) {
	var waits []time.Duration
	boom := errors.New("openrouter API request failed: status=500 error=internal")
	op, calls := flakyOp(5, boom)

	_, err := Do(context.Background(), recordingPolicy(3, &waits), op)

	assert.Same(t, boom, err)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, waits)
}

func TestDo_StatusWithDigitsInMessageFailsFast(t *testing.T) {
	var waits []time.Duration
	tooLong := &providers.APIError{
		Provider:   "openrouter",
		StatusCode: http.StatusBadRequest,
		Message:    "context length exceeded: requested 4290 tokens, rate limit docs at /limits",
	}
	op, calls := flakyOp(5, tooLong)

	_, err := Do(context.Background(), recordingPolicy(3, &waits), op)

	assert.Same(t, tooLong, err)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, waits)
}

func TestDo_BackoffGrowsExponentially(t *testing.T) {
	var waits []time.Duration
	op, _ := flakyOp(3, &statusErr{code: http.StatusTooManyRequests})

	_, err := Do(context.Background(), recordingPolicy(4, &waits), op)

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		105 * time.Millisecond,
		205 * time.Millisecond,
		405 * time.Millisecond,
	}, waits)
}

func TestDo_ZeroRetriesSingleAttempt(t *testing.T) {
	var waits []time.Duration
	op, calls := flakyOp(1, &statusErr{code: http.StatusTooManyRequests})

	_, err := Do(context.Background(), recordingPolicy(0, &waits), op)

	require.Error(t, err)
	assert.Equal(t, 1, *calls)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op, calls := flakyOp(5, &statusErr{code: http.StatusTooManyRequests})

	_, err := Do(ctx, Policy{MaxRetries: 3, BaseDelay: time.Hour}, op)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, *calls)
}

func TestIsRateLimited(t *testing.T) {
	testcases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "status 429", err: &statusErr{code: 429}, want: true},
		{name: "wrapped status", err: fmt.Errorf("generate: %w", &statusErr{code: 429}), want: true},
		{name: "status 503", err: &statusErr{code: 503}, want: false},
		{name: "text marker", err: errors.New("Too Many Requests"), want: true},
		{name: "rate limit phrase", err: errors.New("you hit a rate limit"), want: true},
		{name: "grpc style", err: errors.New("RESOURCE_EXHAUSTED: quota"), want: true},
		{name: "plain", err: errors.New("connection reset"), want: false},
		{name: "digits in text", err: errors.New("prompt is 4290 tokens"), want: false},
		{name: "status text", err: errors.New("upstream status=429"), want: true},
		{name: "api error 400 with digits", err: &providers.APIError{Provider: "openai", StatusCode: 400, Message: "4290 tokens exceeds context"}, want: false},
		{name: "api error 429", err: &providers.APIError{Provider: "openai", StatusCode: 429, Message: "slow down"}, want: true},
		{name: "wrapped api error 502", err: fmt.Errorf("stream: %w", &providers.APIError{Provider: "openai", StatusCode: 502, Message: "Too Many Requests upstream"}), want: false},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRateLimited(tc.err))
		})
	}
}
