package chainz

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Deadline bounds the rest of the chain with a timeout. It derives a
// context with the configured duration and hands it to next, so every later
// stage sees the deadline through ctx.
//
// The pipeline never interrupts a stage. Stages below a Deadline must watch
// ctx.Done() while they block; one that returns ctx.Err() produces an
// *Error with Timeout set.
//
// Example:
//
//	api := chainz.NewPipeline[*Request]("api",
//	    chainz.NewDeadline[*Request]("request-deadline", 2*time.Second),
//	    fetchProfile, // must select on ctx.Done()
//	    handler,
//	)
type Deadline[C any] struct {
	name     Name
	clock    clockz.Clock
	duration time.Duration
	mu       sync.RWMutex
}

// NewDeadline creates a Deadline stage.
func NewDeadline[C any](name Name, duration time.Duration) *Deadline[C] {
	return &Deadline[C]{
		name:     name,
		duration: duration,
		clock:    clockz.RealClock,
	}
}

// Process implements Stage.
func (t *Deadline[C]) Process(ctx context.Context, _ C, next Next) error {
	t.mu.RLock()
	duration := t.duration
	clock := t.getClock()
	t.mu.RUnlock()

	ctx, cancel := clock.WithTimeout(ctx, duration)
	defer cancel()
	return next(ctx)
}

// SetDuration updates the timeout duration.
func (t *Deadline[C]) SetDuration(d time.Duration) *Deadline[C] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duration = d
	return t
}

// GetDuration returns the current timeout duration.
func (t *Deadline[C]) GetDuration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration
}

// WithClock sets a custom clock for testing.
func (t *Deadline[C]) WithClock(clock clockz.Clock) *Deadline[C] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
	return t
}

func (t *Deadline[C]) getClock() clockz.Clock {
	if t.clock == nil {
		return clockz.RealClock
	}
	return t.clock
}

// Name returns the name of this stage.
func (t *Deadline[C]) Name() Name {
	return t.name
}
