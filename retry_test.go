package driftlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingClock satisfies Clock with waits that fire immediately, recording
// every requested duration.
type recordingClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *recordingClock) Now() time.Time { return time.Now() }

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *recordingClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func TestRetryerStopsOnSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: Duration(time.Millisecond)})
	calls := 0
	attempts, err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return newSyncError(ClassNetwork, "flaky", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d calls = %d, want 3/3", attempts, calls)
	}
}

func TestRetryerStopsOnNonRetryable(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: Duration(time.Millisecond)})
	calls := 0
	attempts, err := r.Do(context.Background(), func() error {
		calls++
		return newSyncError(ClassAuth, "expired", nil)
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d calls = %d, want 1/1", attempts, calls)
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialBackoff: Duration(time.Millisecond)})
	attempts, err := r.Do(context.Background(), func() error {
		return newSyncError(ClassNetwork, "down", nil)
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want network error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryerHonorsContext(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: Duration(time.Hour)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Do(ctx, func() error {
			return newSyncError(ClassNetwork, "down", nil)
		})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retryer did not honor cancellation during backoff")
	}
}

func TestRetryerWaitsThroughInjectedClock(t *testing.T) {
	clock := &recordingClock{}
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: Duration(time.Hour), // real sleeps here would hang the test
		MaxBackoff:     Duration(4 * time.Hour),
		Jitter:         0,
		Clock:          clock,
	})
	attempts, err := r.Do(context.Background(), func() error {
		return newSyncError(ClassNetwork, "down", nil)
	})
	if !errors.Is(err, ErrNetwork) || attempts != 3 {
		t.Fatalf("attempts = %d err = %v, want 3 exhausted network attempts", attempts, err)
	}
	waits := clock.recorded()
	if len(waits) != 2 {
		t.Fatalf("clock waits = %v, want one per retry", waits)
	}
	if waits[0] != time.Hour || waits[1] != 2*time.Hour {
		t.Errorf("waits = %v, want 1h then 2h", waits)
	}
}

func TestBackoffForDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		got := backoffFor(tc.attempt, time.Second, 30*time.Second, 2.0)
		if got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestAddJitterStaysInRange(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		d := addJitter(base, 0.1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±10%%", d)
		}
	}
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(2, 20*time.Millisecond)
	fail := func() error { return newSyncError(ClassNetwork, "down", nil) }

	if err := cb.Execute(fail); err == nil {
		t.Fatal("expected failure")
	}
	if err := cb.Execute(fail); err == nil {
		t.Fatal("expected failure")
	}
	if cb.State() != "open" {
		t.Fatalf("state = %s, want open after consecutive failures", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen while open", err)
	}

	time.Sleep(25 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("state = %s, want closed after successful probe", cb.State())
	}
}
