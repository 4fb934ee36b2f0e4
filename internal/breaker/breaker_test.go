package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/payerr"
)

func newTestBreaker(t *testing.T) (*Breaker, *MemoryStore, *time.Time) {
	t.Helper()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	b := New(store, Options{
		Timeout:           time.Second,
		ErrorThresholdPct: 50,
		ResetTimeout:      30 * time.Second,
		MinimumCalls:      4,
	}, zap.NewNop())
	b.now = func() time.Time { return now }

	return b, store, &now
}

func failOp(ctx context.Context) error { return errors.New("provider down") }
func okOp(ctx context.Context) error   { return nil }

func tripBreaker(t *testing.T, b *Breaker, key string) {
	t.Helper()
	for i := 0; i < 4; i++ {
		if err := b.Execute(context.Background(), key, failOp); err == nil {
			t.Fatal("expected failure while tripping breaker")
		}
	}
}

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	key := "paystack_POST_/charge"

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), key, failOp); err == nil {
			t.Fatal("expected op error")
		}
	}

	// Below the minimum call window the op must still be invoked.
	called := false
	_ = b.Execute(context.Background(), key, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !called {
		t.Error("operation not invoked while breaker should be closed")
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	key := "paystack_POST_/charge"

	tripBreaker(t, b, key)

	called := false
	err := b.Execute(context.Background(), key, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("operation invoked while breaker open")
	}
	if !payerr.Is(err, payerr.ErrProviderUnavailable) {
		t.Errorf("error = %v, want ProviderUnavailable", err)
	}
}

func TestBreakerFallbackWhenOpen(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	key := "knip_POST_/vir-account"

	tripBreaker(t, b, key)

	fallbackCalled := false
	err := b.ExecuteWithFallback(context.Background(), key, okOp, func() error {
		fallbackCalled = true
		return nil
	})
	if err != nil {
		t.Errorf("fallback path returned error: %v", err)
	}
	if !fallbackCalled {
		t.Error("fallback not invoked while breaker open")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, _, now := newTestBreaker(t)
	key := "paystack_GET_/transaction/verify"

	tripBreaker(t, b, key)

	// Before the reset timeout, still fail fast.
	if err := b.Execute(context.Background(), key, okOp); !payerr.Is(err, payerr.ErrProviderUnavailable) {
		t.Fatalf("error before reset timeout = %v, want ProviderUnavailable", err)
	}

	// After the reset timeout one trial is allowed through.
	*now = now.Add(30 * time.Second)

	trialRuns := 0
	if err := b.Execute(context.Background(), key, func(ctx context.Context) error {
		trialRuns++
		return nil
	}); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if trialRuns != 1 {
		t.Fatalf("trial runs = %d, want 1", trialRuns)
	}

	// Trial success closes the circuit again.
	if err := b.Execute(context.Background(), key, okOp); err != nil {
		t.Errorf("call after successful trial failed: %v", err)
	}
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	b, _, now := newTestBreaker(t)
	key := "paystack_POST_/charge"

	tripBreaker(t, b, key)
	*now = now.Add(30 * time.Second)

	if err := b.Execute(context.Background(), key, failOp); err == nil {
		t.Fatal("expected trial failure")
	}

	// Failed trial reopens immediately.
	called := false
	err := b.Execute(context.Background(), key, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("operation invoked after failed trial")
	}
	if !payerr.Is(err, payerr.ErrProviderUnavailable) {
		t.Errorf("error = %v, want ProviderUnavailable", err)
	}
}

func TestBreakerBlocksWhileTrialInFlight(t *testing.T) {
	b, store, _ := newTestBreaker(t)
	key := "paystack_POST_/charge"

	// Another worker already claimed the half-open trial.
	if _, err := store.CompareAndSet(context.Background(), key, nil,
		&BreakerState{State: StateHalfOpen}, time.Minute); err != nil {
		t.Fatal(err)
	}

	called := false
	err := b.Execute(context.Background(), key, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("operation invoked while another trial in flight")
	}
	if !payerr.Is(err, payerr.ErrProviderUnavailable) {
		t.Errorf("error = %v, want ProviderUnavailable", err)
	}
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	b, store, _ := newTestBreaker(t)
	b.opts.Timeout = 10 * time.Millisecond
	key := "paystack_POST_/charge"

	err := b.Execute(context.Background(), key, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	state, _ := store.Get(context.Background(), key)
	if state == nil || state.FailureCount != 1 {
		t.Errorf("state = %+v, want one recorded failure", state)
	}
}

func TestBreakerKeyIsolation(t *testing.T) {
	b, _, _ := newTestBreaker(t)

	tripBreaker(t, b, "paystack_POST_/charge")

	// A different endpoint on the same provider is unaffected.
	called := false
	if err := b.Execute(context.Background(), "paystack_GET_/transaction/verify", func(ctx context.Context) error {
		called = true
		return nil
	}); err != nil {
		t.Errorf("unrelated key failed: %v", err)
	}
	if !called {
		t.Error("operation on unrelated key not invoked")
	}
}

// downStore fails every operation, as when Redis is unreachable.
type downStore struct{}

func (downStore) Get(ctx context.Context, key string) (*BreakerState, error) {
	return nil, errors.New("connection refused")
}

func (downStore) CompareAndSet(ctx context.Context, key string, old, next *BreakerState, ttl time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestBreakerPassesThroughWhenStoreDown(t *testing.T) {
	b := New(downStore{}, Options{
		Timeout:           time.Second,
		ErrorThresholdPct: 50,
		ResetTimeout:      30 * time.Second,
		MinimumCalls:      4,
	}, zap.NewNop())
	key := "paystack_POST_/charge"

	called := false
	if err := b.Execute(context.Background(), key, func(ctx context.Context) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !called {
		t.Error("operation not invoked while state store down")
	}

	// Operation errors still reach the caller.
	if err := b.Execute(context.Background(), key, failOp); err == nil {
		t.Error("expected op error to surface")
	}
}

func TestMemoryStoreCompareAndSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := "k"

	closed := &BreakerState{State: StateClosed, FailureCount: 1}
	open := &BreakerState{State: StateOpen, FailureCount: 5}

	tests := []struct {
		name string
		old  *BreakerState
		want bool
	}{
		{name: "create when absent", old: nil, want: true},
		{name: "create when present", old: nil, want: false},
		{name: "swap with stale old", old: open, want: false},
		{name: "swap with matching old", old: closed, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.CompareAndSet(ctx, key, tt.old, closed, time.Minute)
			if err != nil {
				t.Fatalf("CompareAndSet() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CompareAndSet() = %v, want %v", got, tt.want)
			}
		})
	}
}
