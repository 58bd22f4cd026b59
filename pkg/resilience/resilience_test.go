package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/famulus-ai/famulus/pkg/errors"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	err := cfg.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return stderrors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnUnrecoverable(t *testing.T) {
	attempts := 0
	fatal := errors.New(errors.CodeInvalidInput, "bad request", nil)
	cfg := DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	err := cfg.Do(context.Background(), func() error {
		attempts++
		return fatal
	})
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("got %v, want original error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on unrecoverable)", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig().WithMaxAttempts(4).WithInitialDelay(time.Millisecond)
	err := cfg.Do(context.Background(), func() error {
		attempts++
		return stderrors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected last error")
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestLinearBackoffDelays(t *testing.T) {
	cfg := LinearRetryConfig(3, 100*time.Millisecond)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialBackoffCapped(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2.0,
	}
	if got := cfg.delay(10); got != 300*time.Millisecond {
		t.Errorf("delay(10) = %v, want capped at 300ms", got)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := DefaultRetryConfig().WithInitialDelay(time.Hour)
	err := cfg.Do(ctx, func() error { return stderrors.New("fail") })
	if !errors.HasCode(err, errors.CodeTimeout) {
		t.Fatalf("got %v, want timeout code on cancelled context", err)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.HasCode(err, errors.CodeTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}

	if err := WithTimeout(context.Background(), time.Second, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("fast fn should succeed: %v", err)
	}

	// Zero duration disables the boundary.
	if err := WithTimeout(context.Background(), 0, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
