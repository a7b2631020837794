// Package reliability holds the retry combinator used against eventually
// consistent mailbox reads, plus error categorisation shared by callers that
// need to decide whether a failure is worth another attempt.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAttemptsExhausted is returned by RetryUntil when no attempt succeeded.
var ErrAttemptsExhausted = errors.New("reliability: attempts exhausted")

// DelayFunc returns how long to wait before the zero-based attempt.
type DelayFunc func(attempt int) time.Duration

// AttemptFunc runs one attempt. Returning done=true stops the loop. attempt
// is zero-based and last reports whether no further attempt will follow.
type AttemptFunc func(ctx context.Context, attempt int, last bool) (done bool, err error)

// LinearDelay waits base + attempt*step before each attempt.
func LinearDelay(base, step time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return base + time.Duration(attempt)*step
	}
}

// NoDelay never waits.
func NoDelay(int) time.Duration { return 0 }

// RetryUntil invokes fn up to attempts times, sleeping delay(attempt) before
// each call, until fn reports done. It returns the number of attempts made.
// Errors that ShouldRetry rejects abort immediately; retryable errors are
// remembered and the loop continues.
func RetryUntil(ctx context.Context, attempts int, delay DelayFunc, fn AttemptFunc) (int, error) {
	if fn == nil {
		return 0, errors.New("reliability: nil attempt func")
	}
	if attempts <= 0 {
		attempts = 1
	}
	if delay == nil {
		delay = NoDelay
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := sleep(ctx, delay(attempt)); err != nil {
			return attempt, err
		}
		done, err := fn(ctx, attempt, attempt == attempts-1)
		if done && err == nil {
			return attempt + 1, nil
		}
		if err != nil {
			if !ShouldRetry(err) {
				return attempt + 1, err
			}
			lastErr = err
		}
	}
	if lastErr != nil {
		return attempts, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
	}
	return attempts, ErrAttemptsExhausted
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryableError reports whether err looks like a transient network or
// server condition.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"operation timed out",
	"temporary failure",
	"network unreachable",
	"host unreachable",
	"no such host",
	"broken pipe",
	"use of closed network connection",
	"unexpected eof",
	"server temporarily unavailable",
	"too many requests",
	"service unavailable",
	"mailbox unavailable",
}

// ErrorCategory groups errors by handling strategy.
type ErrorCategory int

const (
	ErrorTemporary ErrorCategory = iota
	ErrorPermanent
	ErrorAuthentication
	ErrorNetwork
	ErrorTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorPermanent:
		return "permanent"
	case ErrorAuthentication:
		return "authentication"
	case ErrorNetwork:
		return "network"
	case ErrorTimeout:
		return "timeout"
	default:
		return "temporary"
	}
}

var (
	authPatterns      = []string{"authentication failed", "login failed", "invalid credentials", "unauthorized", "unauthenticated", "access denied"}
	networkPatterns   = []string{"connection refused", "connection reset", "network unreachable", "host unreachable", "no such host", "broken pipe"}
	timeoutPatterns   = []string{"timeout", "deadline exceeded", "timed out"}
	permanentPatterns = []string{"not found", "does not exist", "permission denied", "quota exceeded", "invalid mailbox", "already exists"}
)

// CategorizeError determines the category of err. Unknown errors are
// treated as temporary.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorTemporary
	}
	if errors.Is(err, context.Canceled) {
		return ErrorPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	msg := strings.ToLower(err.Error())
	match := func(patterns []string) bool {
		for _, p := range patterns {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
	switch {
	case match(authPatterns):
		return ErrorAuthentication
	case match(networkPatterns):
		return ErrorNetwork
	case match(timeoutPatterns):
		return ErrorTimeout
	case match(permanentPatterns):
		return ErrorPermanent
	}
	return ErrorTemporary
}

// ShouldRetry reports whether err's category is worth another attempt.
func ShouldRetry(err error) bool {
	switch CategorizeError(err) {
	case ErrorTemporary, ErrorNetwork, ErrorTimeout:
		return true
	default:
		return false
	}
}
