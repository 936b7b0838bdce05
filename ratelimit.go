package chainz

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zoobzio/clockz"
	"golang.org/x/time/rate"
)

// Rate limiting modes.
const (
	ModeWait = "wait"
	ModeDrop = "drop"
)

// ErrRateLimited is returned by a RateLimit stage in drop mode when no token
// is available.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit gates the rest of the chain behind a token bucket shared by every
// dispatch that passes through it.
//
// RateLimit is stateful. Create one per protected resource and register the
// same instance wherever that resource is reached; a fresh limiter per
// request never limits anything.
//
// Modes:
//   - "wait": block until a token is available or ctx is done (default)
//   - "drop": fail immediately with ErrRateLimited
//
// Example:
//
//	var apiLimit = chainz.NewRateLimit[*Request]("api-limit", 100, 10)
//
//	api := chainz.NewPipeline[*Request]("api", apiLimit, auth, handler)
type RateLimit[C any] struct {
	name    Name
	limiter *rate.Limiter
	clock   clockz.Clock
	mode    string
	mu      sync.RWMutex
}

// NewRateLimit creates a RateLimit stage allowing ratePerSecond sustained
// requests with bursts of up to burst.
func NewRateLimit[C any](name Name, ratePerSecond float64, burst int) *RateLimit[C] {
	return &RateLimit[C]{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		clock:   clockz.RealClock,
		mode:    ModeWait,
	}
}

// Process implements Stage.
func (r *RateLimit[C]) Process(ctx context.Context, _ C, next Next) error {
	r.mu.RLock()
	limiter := r.limiter
	mode := r.mode
	clock := r.getClock()
	r.mu.RUnlock()

	switch mode {
	case ModeWait:
		if err := r.wait(ctx, limiter, clock); err != nil {
			return err
		}
	case ModeDrop:
		if !limiter.AllowN(clock.Now(), 1) {
			return ErrRateLimited
		}
	default:
		return fmt.Errorf("invalid rate limit mode: %s", mode)
	}
	return next(ctx)
}

// wait reserves a token and sleeps on the clock until it is due, giving the
// token back if ctx ends first.
func (r *RateLimit[C]) wait(ctx context.Context, limiter *rate.Limiter, clock clockz.Clock) error {
	now := clock.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return ErrRateLimited
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	select {
	case <-clock.After(delay):
		return nil
	case <-ctx.Done():
		reservation.CancelAt(clock.Now())
		return ctx.Err()
	}
}

// SetRate updates the sustained rate (requests per second).
func (r *RateLimit[C]) SetRate(ratePerSecond float64) *RateLimit[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimitAt(r.getClock().Now(), rate.Limit(ratePerSecond))
	return r
}

// SetBurst updates the burst capacity.
func (r *RateLimit[C]) SetBurst(burst int) *RateLimit[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetBurstAt(r.getClock().Now(), burst)
	return r
}

// SetMode sets the mode ("wait" or "drop"). Unknown modes are ignored.
func (r *RateLimit[C]) SetMode(mode string) *RateLimit[C] {
	if mode != ModeWait && mode != ModeDrop {
		return r
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	return r
}

// GetRate returns the current rate limit.
func (r *RateLimit[C]) GetRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return float64(r.limiter.Limit())
}

// GetBurst returns the current burst capacity.
func (r *RateLimit[C]) GetBurst() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Burst()
}

// GetMode returns the current mode.
func (r *RateLimit[C]) GetMode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// WithClock sets a custom clock for testing.
func (r *RateLimit[C]) WithClock(clock clockz.Clock) *RateLimit[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

func (r *RateLimit[C]) getClock() clockz.Clock {
	if r.clock == nil {
		return clockz.RealClock
	}
	return r.clock
}

// Name returns the name of this stage.
func (r *RateLimit[C]) Name() Name {
	return r.name
}
