// Package resilience provides retry and timeout boundaries used around
// tool execution and peer transport.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/famulus-ai/famulus/pkg/errors"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	// BackoffExponential grows the delay by Multiplier each attempt.
	BackoffExponential Backoff = "exponential"
	// BackoffLinear grows the delay as InitialDelay * attempt.
	BackoffLinear Backoff = "linear"
)

// RetryConfig controls retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// InitialDelay is the base backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Backoff mode; defaults to exponential.
	Backoff Backoff

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// IsRecoverable determines if an error should be retried.
	// If nil, recoverability is read from the error itself.
	IsRecoverable func(error) bool

	// Jitter adds randomness to backoff; 0.1 means ±10%.
	// Linear backoff ignores jitter so delays stay predictable.
	Jitter float64
}

// DefaultRetryConfig returns the default exponential configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Backoff:       BackoffExponential,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: isRecoverableDefault,
	}
}

// LinearRetryConfig returns a linear configuration where attempt n
// waits delay*n. Used by the peer transport.
func LinearRetryConfig(maxAttempts int, delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  delay,
		MaxDelay:      time.Duration(maxAttempts) * delay,
		Backoff:       BackoffLinear,
		IsRecoverable: isRecoverableDefault,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithIsRecoverable returns a new config with IsRecoverable set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do executes fn with retries, returning the last error if all attempts
// fail.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = isRecoverableDefault
	}

	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.New(errors.CodeTimeout, "context canceled during retry", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts)
			case <-time.After(rc.delay(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !rc.IsRecoverable(err) {
			return err
		}
	}
	return lastErr
}

// DoWithResult executes fn with retries, returning both result and error.
func (rc RetryConfig) DoWithResult(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := rc.Do(ctx, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

func (rc RetryConfig) delay(attempt int) time.Duration {
	var d time.Duration
	switch rc.Backoff {
	case BackoffLinear:
		d = time.Duration(attempt) * rc.InitialDelay
	default:
		if rc.Multiplier == 0 {
			rc.Multiplier = 2.0
		}
		d = time.Duration(float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(attempt-1)))
		if rc.Jitter > 0 {
			jitter := float64(d) * rc.Jitter * 2 * (rand.Float64() - 0.5)
			d = time.Duration(float64(d) + jitter)
		}
	}
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func isRecoverableDefault(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*errors.FamulusError); ok {
		return fe.Recoverable
	}
	// Generic errors carry no flag; retry them.
	return true
}
