package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryOptions controls request retries
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryOptions returns the retry policy used when none is configured
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// StatusError is a non-2xx answer from the backend
type StatusError struct {
	StatusCode int
	Message    string
	Headers    map[string]string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusConflict
}

// IsRetryable checks if an error is a retryable backend status
func IsRetryable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Retryable()
}

// StatusCode extracts the HTTP status from err, or 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsRateLimited reports a 429 answer
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

func newStatusError(resp *http.Response, msg string) *StatusError {
	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg, Headers: headers}
}

// withRetry runs fn until it succeeds, the error is not worth retrying or the
// attempts are used up. shouldRetry decides per error.
func withRetry(ctx context.Context, opts RetryOptions, shouldRetry func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == opts.MaxRetries || !shouldRetry(err) || ctx.Err() != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateDelay(err, attempt, opts)):
		}
	}
	return lastErr
}

// calculateDelay honours rate limit headers and otherwise backs off exponentially
func calculateDelay(err error, attempt int, opts RetryOptions) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.Headers != nil {
		if v, ok := se.Headers["retry-after"]; ok {
			if delay := parseRetryAfter(v); delay > 0 {
				return min(delay, opts.MaxDelay)
			}
		}
		for _, key := range []string{"x-ratelimit-reset", "ratelimit-reset"} {
			if v, ok := se.Headers[key]; ok {
				if delay := parseRateLimitReset(v); delay > 0 {
					return min(delay, opts.MaxDelay)
				}
			}
		}
	}

	delay := time.Duration(float64(opts.BaseDelay) * math.Pow(2, float64(attempt)))
	return min(delay, opts.MaxDelay)
}

// parseRetryAfter parses the Retry-After header (seconds or HTTP date)
func parseRetryAfter(retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}
	return 0
}

// parseRateLimitReset parses reset headers given as a unix time or delta seconds
func parseRateLimitReset(resetTime string) time.Duration {
	n, err := strconv.ParseInt(resetTime, 10, 64)
	if err != nil {
		return 0
	}
	if n > time.Now().Unix() {
		return time.Until(time.Unix(n, 0))
	}
	return time.Duration(n) * time.Second
}
