package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/apiguard/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *clock.Fake) {
	clk := clock.NewFake(epoch)
	cfg.Clock = clk
	return NewCircuitBreaker("ebay.pricing", cfg), clk
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("op", CircuitBreakerConfig{})

	if cb.State() != StateClosed {
		t.Errorf("Initial state = %v, want closed", cb.State())
	}
	if cb.config.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cb.config.MaxFailures)
	}
	if cb.config.ResetTimeout != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", cb.config.ResetTimeout)
	}
	if cb.config.HalfOpenMaxRequests != 1 {
		t.Errorf("HalfOpenMaxRequests = %d, want 1", cb.config.HalfOpenMaxRequests)
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != StateClosed {
			t.Errorf("After %d failures, state = %v, want closed", i+1, cb.State())
		}
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("After 3 failures, state = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestCircuitBreaker_SuccessClearsStreak(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after an intervening success", cb.State())
	}
}

// Threshold 3, open for 60s: three failures open the breaker, 61s later one
// trial is admitted, and its success closes the breaker.
func TestCircuitBreaker_Scenario(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		MaxFailures:         3,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxRequests: 1,
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.Allow() {
		t.Fatal("Allow() = true after 3 failures")
	}

	clk.Advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("Allow() = true before openDuration elapsed")
	}

	clk.Advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("Allow() = false after 61s")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	if cb.Allow() {
		t.Error("second trial admitted with HalfOpenMaxRequests=1")
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	if m := cb.Metrics(); m.Failures != 0 {
		t.Errorf("Failures = %d, want 0 after closing", m.Failures)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		MaxFailures:         1,
		ResetTimeout:        10 * time.Second,
		HalfOpenMaxRequests: 2,
	})

	cb.RecordFailure()
	clk.Advance(10 * time.Second)

	if !cb.Allow() {
		t.Fatal("first trial rejected")
	}
	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after 1 of 2 trial successes", cb.State())
	}

	if !cb.Allow() {
		t.Fatal("second trial rejected")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after trial failure", cb.State())
	}

	// The cooldown restarts from the trial failure.
	clk.Advance(5 * time.Second)
	if cb.Allow() {
		t.Error("Allow() = true before the new cooldown elapsed")
	}
}

func TestCircuitBreaker_HalfOpenConcurrentTrials(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		MaxFailures:         1,
		ResetTimeout:        time.Second,
		HalfOpenMaxRequests: 2,
	})
	cb.RecordFailure()
	clk.Advance(time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 2 {
		t.Errorf("admitted = %d, want 2", got)
	}

	// A finished trial frees its slot only for the success count, so the
	// quota stays at two.
	cb.RecordSuccess()
	if cb.Allow() {
		t.Error("Allow() = true with one trial in flight and one succeeded")
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ReleaseFreesSlot(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})
	cb.RecordFailure()
	clk.Advance(time.Second)

	trial, ok := cb.admit()
	if !ok {
		t.Fatal("trial rejected")
	}
	cb.abandon(trial)
	if !cb.Allow() {
		t.Error("Allow() = false after the abandoned trial was released")
	}
}

func TestCircuitBreaker_StaleSuccessIsNotATrial(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})

	slow, ok := cb.admit()
	if !ok || slow.trial {
		t.Fatalf("admit() while closed = %+v, %v", slow, ok)
	}
	cb.RecordFailure()
	clk.Advance(time.Second)

	trial, ok := cb.admit()
	if !ok || !trial.trial {
		t.Fatalf("admit() in half-open = %+v, %v", trial, ok)
	}

	cb.succeed(slow)
	cb.abandon(slow)
	if cb.State() != StateHalfOpen {
		t.Errorf("state after stale success = %v, want half-open", cb.State())
	}
	if m := cb.Metrics(); m.InFlight != 1 || m.Successes != 0 {
		t.Errorf("InFlight, Successes = %d, %d, want 1, 0", m.InFlight, m.Successes)
	}
	if cb.Allow() {
		t.Error("Allow() = true while the trial slot is still held")
	}

	cb.succeed(trial)
	if cb.State() != StateClosed {
		t.Errorf("state after trial success = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1})
	testErr := errors.New("upstream 502")

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return testErr })
	if !errors.Is(err, testErr) {
		t.Errorf("Execute() error = %v, want %v", err, testErr)
	}

	err = cb.Execute(context.Background(), func(ctx context.Context) error {
		t.Error("Should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() when open = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var got []string
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		OnStateChange: func(name string, from, to State) {
			got = append(got, name+":"+from.String()+"->"+to.String())
		},
	})

	cb.RecordFailure()
	clk.Advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{
		"ebay.pricing:closed->open",
		"ebay.pricing:open->half-open",
		"ebay.pricing:half-open->closed",
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1})
	cb.RecordFailure()
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	if !cb.Allow() {
		t.Error("Allow() = false after Reset")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
