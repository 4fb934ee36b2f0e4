package breaker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/metrics"
	"github.com/EmmaGHimself/payment/internal/payerr"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerState is the shared per-key failure record. It lives in the
// backing store, not in process memory, so every worker sees the same
// counts.
type BreakerState struct {
	State        State `json:"state"`
	FailureCount int   `json:"failure_count"`
	SuccessCount int   `json:"success_count"`
	NextAttempt  int64 `json:"next_attempt"`
	LastFailure  int64 `json:"last_failure,omitempty"`
}

// StateStore persists breaker state with a TTL. CompareAndSet must be
// atomic: it swaps only if the stored state still equals old (old == nil
// means the key must be absent). Lost updates between racing workers are
// resolved by retrying the whole read-modify-write.
type StateStore interface {
	Get(ctx context.Context, key string) (*BreakerState, error)
	CompareAndSet(ctx context.Context, key string, old, next *BreakerState, ttl time.Duration) (bool, error)
}

// Options tunes a Breaker.
type Options struct {
	// Timeout is the hard per-call budget; exceeding it counts as a failure.
	Timeout time.Duration
	// ErrorThresholdPct opens the circuit once the failure ratio over the
	// observed window reaches this percentage.
	ErrorThresholdPct int
	// ResetTimeout is how long an open circuit waits before allowing a
	// half-open trial. Also used as the state TTL so stale state expires.
	ResetTimeout time.Duration
	// MinimumCalls must be observed before the threshold can trip.
	MinimumCalls int
}

const casAttempts = 5

// Breaker gates outbound calls with a per-key failure budget.
type Breaker struct {
	store  StateStore
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func New(store StateStore, opts Options, logger *zap.Logger) *Breaker {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ErrorThresholdPct <= 0 {
		opts.ErrorThresholdPct = 50
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.MinimumCalls <= 0 {
		opts.MinimumCalls = 10
	}

	return &Breaker{
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Execute runs op under the failure budget for key. When the circuit is
// open it fails fast with a ProviderUnavailable error carrying the key;
// callers must not retry synchronously.
func (b *Breaker) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	return b.ExecuteWithFallback(ctx, key, op, nil)
}

// ExecuteWithFallback is Execute with an optional fallback invoked when
// the circuit is open or the operation fails.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, key string, op func(ctx context.Context) error, fallback func() error) error {
	state, err := b.load(ctx, key)
	if err != nil {
		// A broken state store must not take the provider path down with it.
		b.logger.Warn("breaker state unavailable, passing through",
			zap.String("key", key),
			zap.Error(err))
		state = &BreakerState{State: StateClosed}
	}

	switch state.State {
	case StateOpen:
		if b.now().UnixMilli() < state.NextAttempt {
			return b.shortCircuit(key, fallback)
		}
		// Reset period elapsed; exactly one caller wins the trial.
		if !b.transitionToHalfOpen(ctx, key, state) {
			return b.shortCircuit(key, fallback)
		}
	case StateHalfOpen:
		// A trial is already in flight elsewhere.
		return b.shortCircuit(key, fallback)
	}

	opErr := b.run(ctx, op)

	if opErr != nil {
		b.onFailure(ctx, key)
		b.logger.Warn("breaker operation failed",
			zap.String("key", key),
			zap.Error(opErr))
		if fallback != nil {
			return fallback()
		}
		return opErr
	}

	b.onSuccess(ctx, key)
	return nil
}

// run enforces the hard per-call timeout even when op ignores its context.
func (b *Breaker) run(ctx context.Context, op func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return fmt.Errorf("operation timed out after %s", b.opts.Timeout)
	}
}

func (b *Breaker) shortCircuit(key string, fallback func() error) error {
	metrics.BreakerShortCircuits.WithLabelValues(key).Inc()
	b.logger.Warn("circuit breaker is open", zap.String("key", key))
	if fallback != nil {
		return fallback()
	}
	return payerr.Wrap(payerr.ErrProviderUnavailable, fmt.Errorf("circuit breaker is open for %s", key))
}

func (b *Breaker) load(ctx context.Context, key string) (*BreakerState, error) {
	state, err := b.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &BreakerState{State: StateClosed}, nil
	}
	return state, nil
}

// transitionToHalfOpen attempts open -> half_open. Returns false when a
// racing worker already claimed the trial.
func (b *Breaker) transitionToHalfOpen(ctx context.Context, key string, old *BreakerState) bool {
	next := &BreakerState{State: StateHalfOpen}
	swapped, err := b.store.CompareAndSet(ctx, key, old, next, b.opts.ResetTimeout)
	if err != nil {
		b.logger.Warn("breaker half-open transition failed",
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	if swapped {
		b.logger.Info("circuit breaker transitioned to half-open", zap.String("key", key))
	}
	return swapped
}

func (b *Breaker) onSuccess(ctx context.Context, key string) {
	for i := 0; i < casAttempts; i++ {
		old, err := b.store.Get(ctx, key)
		if err != nil {
			return
		}

		next := &BreakerState{}
		if old == nil {
			next.State = StateClosed
			next.SuccessCount = 1
		} else if old.State == StateHalfOpen {
			// Trial succeeded, close the circuit with fresh counts.
			next.State = StateClosed
			b.logger.Info("circuit breaker transitioned to closed", zap.String("key", key))
		} else {
			*next = *old
			next.SuccessCount++
		}

		swapped, err := b.store.CompareAndSet(ctx, key, old, next, b.opts.ResetTimeout)
		if err != nil || swapped {
			return
		}
	}
}

func (b *Breaker) onFailure(ctx context.Context, key string) {
	for i := 0; i < casAttempts; i++ {
		old, err := b.store.Get(ctx, key)
		if err != nil {
			return
		}

		next := &BreakerState{State: StateClosed}
		if old != nil {
			*next = *old
		}
		next.FailureCount++
		next.LastFailure = b.now().UnixMilli()

		if next.State == StateHalfOpen {
			// Trial failed, reopen.
			next.State = StateOpen
			next.NextAttempt = b.now().Add(b.opts.ResetTimeout).UnixMilli()
		} else {
			total := next.FailureCount + next.SuccessCount
			pct := next.FailureCount * 100 / total
			if total >= b.opts.MinimumCalls && pct >= b.opts.ErrorThresholdPct {
				next.State = StateOpen
				next.NextAttempt = b.now().Add(b.opts.ResetTimeout).UnixMilli()
			}
		}

		swapped, err := b.store.CompareAndSet(ctx, key, old, next, b.opts.ResetTimeout)
		if err != nil {
			return
		}
		if swapped {
			if next.State == StateOpen && (old == nil || old.State != StateOpen) {
				metrics.BreakerTrips.WithLabelValues(key).Inc()
				b.logger.Warn("circuit breaker transitioned to open", zap.String("key", key))
			}
			return
		}
	}
}
