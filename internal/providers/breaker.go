package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Retry schedule for transient backend failures.
const (
	retryAttempts = 3
	retryBaseWait = 250 * time.Millisecond
	retryFactor   = 2
	retryJitter   = 0.2
)

// Retrying wraps a provider with bounded retries on ErrUnavailable.
// Waits grow 250ms, 500ms with 20% jitter; other errors pass through
// untouched on the first attempt.
type Retrying struct {
	inner Provider
	sleep func(context.Context, time.Duration) error
}

// NewRetrying wraps inner with the standard retry schedule.
func NewRetrying(inner Provider) *Retrying {
	return &Retrying{inner: inner, sleep: sleepCtx}
}

func (r *Retrying) Name() string { return r.inner.Name() }

func (r *Retrying) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	wait := retryBaseWait
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		res, err := r.inner.Plan(ctx, req)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return PlanResult{}, err
		}
		lastErr = err
		if attempt == retryAttempts {
			break
		}
		jittered := jitter(wait)
		if err := r.sleep(ctx, jittered); err != nil {
			return PlanResult{}, err
		}
		wait *= retryFactor
	}
	return PlanResult{}, lastErr
}

func jitter(d time.Duration) time.Duration {
	delta := retryJitter * float64(d)
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Breaker opens after threshold consecutive unavailable errors and fails
// fast for the cooldown period, shielding a struggling backend from the
// retry traffic of every queued run.
type Breaker struct {
	inner     Provider
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewBreaker wraps inner with a consecutive-failure circuit breaker.
func NewBreaker(inner Provider, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{inner: inner, threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (b *Breaker) Name() string { return b.inner.Name() }

// Open reports whether the breaker is currently failing fast.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

func (b *Breaker) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	b.mu.Lock()
	if b.now().Before(b.openUntil) {
		until := b.openUntil
		b.mu.Unlock()
		return PlanResult{}, fmt.Errorf("%w: circuit open until %s", ErrUnavailable, until.Format(time.RFC3339))
	}
	b.mu.Unlock()

	res, err := b.inner.Plan(ctx, req)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		return res, nil
	}
	if errors.Is(err, ErrUnavailable) {
		b.failures++
		if b.failures >= b.threshold {
			b.openUntil = b.now().Add(b.cooldown)
			b.failures = 0
		}
	}
	return PlanResult{}, err
}
