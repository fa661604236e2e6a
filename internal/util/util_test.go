package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, 0, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	want := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, 0, func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Retry returned %v, want %v", err, want)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, time.Hour, 0, func() error {
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry returned %v, want context.Canceled", err)
	}
}

func TestBurstLimiterAllow(t *testing.T) {
	rl := NewBurstLimiter(60, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if rl.Allow() {
		t.Error("fourth immediate call should be denied")
	}
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(1) // one per minute: the second Wait blocks
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait returned %v, want deadline exceeded", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if logger := NewLogger(level, "json"); logger == nil {
			t.Errorf("NewLogger(%q) returned nil", level)
		}
	}
	if logger := NewLogger("info", "text"); logger == nil {
		t.Error("NewLogger text format returned nil")
	}
}
