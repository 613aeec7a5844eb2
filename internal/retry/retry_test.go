package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var fast = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicySucceedsOnNthAttempt(t *testing.T) {
	var calls int
	targetErr := errors.New("transient error")

	err := fast.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return targetErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPolicyExceedsMaxAttempts(t *testing.T) {
	targetErr := errors.New("persistent error")
	var calls int

	err := fast.Do(context.Background(), func() error {
		calls++
		return targetErr
	})
	if !errors.Is(err, targetErr) {
		t.Errorf("expected target error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPermanentErrorStopsRetrying(t *testing.T) {
	authErr := errors.New("no access token")
	var calls int

	err := fast.Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("resolving credential: %w", Permanent(authErr))
	})
	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
	if !errors.Is(err, authErr) {
		t.Errorf("expected wrapped auth error, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("expected IsPermanent to see through wrapping")
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("expected Permanent(nil) to be nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error reported as permanent")
	}
}

func TestDoNotifyReportsRetries(t *testing.T) {
	var attempts []int
	_ = fast.DoNotify(context.Background(), func() error {
		return errors.New("fail")
	}, func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
		if delay <= 0 {
			t.Errorf("expected positive delay, got %v", delay)
		}
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected retries after attempts [1 2], got %v", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	// Cancel after the first attempt.
	go func() {
		for calls.Load() == 0 {
			time.Sleep(1 * time.Millisecond)
		}
		cancel()
	}()

	err := Do(ctx, 5, func() error {
		calls.Add(1)
		return errors.New("keep trying")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls.Load() > 2 {
		t.Errorf("expected at most 2 calls, got %d", calls.Load())
	}
}

func TestDoContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := Do(ctx, 3, func() error {
		calls++
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected 0 calls with cancelled context, got %d", calls)
	}
}

func TestDoDefaultMaxAttempts(t *testing.T) {
	var calls int
	p := Policy{BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != DefaultMaxAttempts {
		t.Errorf("expected %d calls (default), got %d", DefaultMaxAttempts, calls)
	}
}

func TestNoRetry(t *testing.T) {
	var calls int
	err := NoRetry.Do(context.Background(), func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestBackoffProgression(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 3; attempt++ {
		d := DefaultPolicy.backoff(attempt)
		if d <= prev && attempt > 0 {
			t.Errorf("attempt %d: backoff %v should be > previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoffCapped(t *testing.T) {
	d := DefaultPolicy.backoff(100)
	maxWithJitter := DefaultMaxDelay + time.Duration(float64(DefaultMaxDelay)*DefaultJitter)
	if d > maxWithJitter {
		t.Errorf("backoff %v exceeds max with jitter %v", d, maxWithJitter)
	}
}

func TestBackoffIncludesJitter(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		seen[DefaultPolicy.backoff(1)] = true
	}
	if len(seen) < 2 {
		t.Error("expected jitter to produce varying backoff durations")
	}
}

func TestBackoffZeroBase(t *testing.T) {
	if d := (Policy{}).backoff(3); d != 0 {
		t.Errorf("expected zero backoff without base delay, got %v", d)
	}
}
