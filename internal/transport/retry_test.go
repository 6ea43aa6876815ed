package transport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateDelay(t *testing.T) {
	opts := RetryOptions{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		name    string
		err     error
		attempt int
		want    time.Duration
	}{
		{"first backoff", nil, 0, 100 * time.Millisecond},
		{"exponential", nil, 2, 400 * time.Millisecond},
		{"capped", nil, 10, time.Second},
		{"retry-after seconds", &StatusError{StatusCode: 429, Headers: map[string]string{"retry-after": "1"}}, 0, time.Second},
		{"retry-after capped", &StatusError{StatusCode: 429, Headers: map[string]string{"retry-after": "30"}}, 0, time.Second},
		{"reset delta", &StatusError{StatusCode: 429, Headers: map[string]string{"ratelimit-reset": "0"}}, 1, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateDelay(tt.err, tt.attempt, opts))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Zero(t, parseRetryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))
	assert.Greater(t, parseRetryAfter(time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)), 30*time.Minute)
}

func TestStatusError(t *testing.T) {
	err := error(&StatusError{StatusCode: http.StatusServiceUnavailable})
	assert.Equal(t, "backend returned 503 Service Unavailable", err.Error())
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRateLimited(err))

	wrapped := errors.Join(errors.New("context"), &StatusError{StatusCode: http.StatusTooManyRequests, Message: "slow down"})
	assert.True(t, IsRateLimited(wrapped))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(wrapped))

	assert.False(t, IsRetryable(&StatusError{StatusCode: http.StatusNotFound}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWithRetryStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, RetryOptions{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour},
		func(error) bool { return true },
		func(context.Context) error {
			calls++
			cancel()
			return errors.New("boom")
		})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
