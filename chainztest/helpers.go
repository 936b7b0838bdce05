// Package chainztest provides test utilities for chainz-based applications.
//
// It includes a configurable mock stage, a recorder for asserting the order
// in which stages ran, a chaos stage for fault injection, and assertion
// helpers for the errors a pipeline returns.
//
// Example usage:
//
//	func TestAuth(t *testing.T) {
//		rec := chainztest.NewRecorder()
//		auth := chainztest.NewMockStage[*Request](t, "auth").ShortCircuit()
//
//		api := chainz.NewPipeline[*Request]("api",
//			chainztest.Stage[*Request](rec, "log"),
//			auth,
//			chainztest.Stage[*Request](rec, "handler"),
//		)
//		err := api.Dispatch(context.Background(), &Request{})
//
//		require.NoError(t, err)
//		chainztest.AssertVisited(t, rec, "log")
//		chainztest.AssertCalled(t, auth, 1)
//	}
package chainztest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mathrand "math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/chainz"
)

// Behavior selects what a MockStage does with its continuation.
type Behavior int

// Mock behaviors.
const (
	// Continue calls next once and returns its result.
	Continue Behavior = iota
	// ShortCircuit returns nil without calling next.
	ShortCircuit
	// Fail returns the configured error without calling next.
	Fail
	// NextTwice calls next twice, which the pipeline reports as misuse.
	NextTwice
	// Panic panics with the configured message.
	Panic
)

// String returns the behavior's name.
func (b Behavior) String() string {
	switch b {
	case Continue:
		return "continue"
	case ShortCircuit:
		return "short-circuit"
	case Fail:
		return "fail"
	case NextTwice:
		return "next-twice"
	case Panic:
		return "panic"
	default:
		return fmt.Sprintf("behavior(%d)", int(b))
	}
}

// MockStage is a configurable chainz.Stage. It tracks calls and the
// results its continuation returned.
type MockStage[C any] struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t           *testing.T
	name        chainz.Name
	callCount   int64
	behavior    Behavior
	err         error
	delay       time.Duration
	panicMsg    string
	mu          sync.RWMutex
	callHistory []MockCall[C]
	maxHistory  int
}

// MockCall represents a single call to the mock stage.
type MockCall[C any] struct {
	Context   C
	Timestamp time.Time
	NextErr   error // result of the last next call, nil if next was not called
}

// NewMockStage creates a mock stage that continues by default.
func NewMockStage[C any](t *testing.T, name chainz.Name) *MockStage[C] {
	return &MockStage[C]{
		t:          t,
		name:       name,
		behavior:   Continue,
		maxHistory: 100, // Keep last 100 calls by default
	}
}

// Continue configures the mock to call next once.
func (m *MockStage[C]) Continue() *MockStage[C] {
	return m.with(Continue, nil, "")
}

// ShortCircuit configures the mock to end the chain without an error.
func (m *MockStage[C]) ShortCircuit() *MockStage[C] {
	return m.with(ShortCircuit, nil, "")
}

// Fail configures the mock to return err.
func (m *MockStage[C]) Fail(err error) *MockStage[C] {
	return m.with(Fail, err, "")
}

// NextTwice configures the mock to call next twice.
func (m *MockStage[C]) NextTwice() *MockStage[C] {
	return m.with(NextTwice, nil, "")
}

// WithPanic configures the mock to panic with msg.
func (m *MockStage[C]) WithPanic(msg string) *MockStage[C] {
	return m.with(Panic, nil, msg)
}

func (m *MockStage[C]) with(b Behavior, err error, msg string) *MockStage[C] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behavior = b
	m.err = err
	m.panicMsg = msg
	return m
}

// WithDelay configures the mock to wait before acting. The wait ends early
// with ctx.Err() when ctx is done.
func (m *MockStage[C]) WithDelay(d time.Duration) *MockStage[C] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithHistorySize configures how many calls to keep in history.
// Set to 0 to disable history tracking.
func (m *MockStage[C]) WithHistorySize(size int) *MockStage[C] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxHistory = size
	if size == 0 {
		m.callHistory = nil
	} else if len(m.callHistory) > size {
		m.callHistory = m.callHistory[len(m.callHistory)-size:]
	}
	return m
}

// Name returns the name of the mock stage.
func (m *MockStage[C]) Name() chainz.Name {
	return m.name
}

// Behavior returns the configured behavior.
func (m *MockStage[C]) Behavior() Behavior {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.behavior
}

// Process implements chainz.Stage.
func (m *MockStage[C]) Process(ctx context.Context, c C, next chainz.Next) error {
	atomic.AddInt64(&m.callCount, 1)

	m.mu.RLock()
	behavior := m.behavior
	failure := m.err
	delay := m.delay
	panicMsg := m.panicMsg
	m.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.record(c, nil)
			return ctx.Err()
		}
	}

	var nextErr error
	switch behavior {
	case ShortCircuit:
		m.record(c, nil)
		return nil
	case Fail:
		m.record(c, nil)
		return failure
	case Panic:
		m.record(c, nil)
		panic(panicMsg)
	case NextTwice:
		_ = next(ctx) //nolint:errcheck // the second call carries the verdict
		nextErr = next(ctx)
	default:
		nextErr = next(ctx)
	}
	m.record(c, nextErr)
	return nextErr
}

func (m *MockStage[C]) record(c C, nextErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxHistory == 0 {
		return
	}
	m.callHistory = append(m.callHistory, MockCall[C]{
		Context:   c,
		Timestamp: time.Now(),
		NextErr:   nextErr,
	})
	if len(m.callHistory) > m.maxHistory {
		m.callHistory = m.callHistory[1:] // Remove oldest
	}
}

// CallCount returns the number of times Process has been called.
func (m *MockStage[C]) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// CallHistory returns a copy of all recorded calls.
func (m *MockStage[C]) CallHistory() []MockCall[C] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.maxHistory == 0 {
		return nil
	}
	history := make([]MockCall[C], len(m.callHistory))
	copy(history, m.callHistory)
	return history
}

// Reset clears call tracking. The configured behavior is kept.
func (m *MockStage[C]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.StoreInt64(&m.callCount, 0)
	m.callHistory = nil
}

// Recorder records the order in which its stages were entered. One
// recorder can hand out stages to several pipelines; it is safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	visited []chainz.Name
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Stage returns a stage that records name and continues.
func Stage[C any](r *Recorder, name chainz.Name) chainz.Handler[C] {
	return chainz.Use(name, func(ctx context.Context, _ C, next chainz.Next) error {
		r.Visit(name)
		return next(ctx)
	})
}

// Visit appends name to the record.
func (r *Recorder) Visit(name chainz.Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visited = append(r.visited, name)
}

// Visited returns a copy of the recorded names in order.
func (r *Recorder) Visited() []chainz.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.visited)
}

// Reset clears the record.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visited = nil
}

// Assertion Helpers

// AssertVisited verifies that the recorder saw exactly the given names in order.
func AssertVisited(t *testing.T, r *Recorder, expected ...chainz.Name) {
	t.Helper()
	actual := r.Visited()
	if len(expected) == 0 && len(actual) == 0 {
		return
	}
	if !slices.Equal(actual, expected) {
		t.Errorf("expected stages %v to be visited, got %v", expected, actual)
	}
}

// AssertCalled verifies that a mock stage was called exactly n times.
func AssertCalled[C any](t *testing.T, mock *MockStage[C], expectedCalls int) {
	t.Helper()
	actualCalls := mock.CallCount()
	if actualCalls != expectedCalls {
		t.Errorf("expected mock stage %s to be called %d times, but was called %d times",
			mock.name, expectedCalls, actualCalls)
	}
}

// AssertNotCalled verifies that a mock stage was never called.
func AssertNotCalled[C any](t *testing.T, mock *MockStage[C]) {
	t.Helper()
	AssertCalled(t, mock, 0)
}

// AssertKind verifies that err is a *chainz.Error[C] of the given kind and
// returns it for further inspection.
func AssertKind[C any](t *testing.T, err error, kind chainz.Kind) *chainz.Error[C] {
	t.Helper()
	var chainErr *chainz.Error[C]
	if !errors.As(err, &chainErr) {
		t.Errorf("expected *chainz.Error of kind %s, got %T: %v", kind, err, err)
		return nil
	}
	if chainErr.Kind != kind {
		t.Errorf("expected error kind %s, got %s", kind, chainErr.Kind)
	}
	return chainErr
}

// AssertStoppedAt verifies that err was raised by the named stage.
func AssertStoppedAt[C any](t *testing.T, err error, stage chainz.Name) {
	t.Helper()
	var chainErr *chainz.Error[C]
	if !errors.As(err, &chainErr) {
		t.Errorf("expected *chainz.Error from stage %s, got %T: %v", stage, err, err)
		return
	}
	if chainErr.Stage != stage {
		t.Errorf("expected failure at stage %s, got %s", stage, chainErr.Stage)
	}
}

// ChaosStage introduces controlled failures and delays in front of the rest
// of the chain.
type ChaosStage[C any] struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	name         chainz.Name
	failureRate  float64
	latencyMin   time.Duration
	latencyMax   time.Duration
	timeoutRate  float64
	panicRate    float64
	rng          *mathrand.Rand
	mu           sync.Mutex
	totalCalls   int64
	failedCalls  int64
	timeoutCalls int64
	panicCalls   int64
}

// ChaosConfig holds configuration for chaos testing.
type ChaosConfig struct {
	FailureRate float64       // Probability of returning an error (0.0 to 1.0)
	LatencyMin  time.Duration // Minimum additional latency to inject
	LatencyMax  time.Duration // Maximum additional latency to inject
	TimeoutRate float64       // Probability of simulating timeout (0.0 to 1.0)
	PanicRate   float64       // Probability of panicking (0.0 to 1.0)
	Seed        int64         // Random seed for reproducible chaos (0 for random seed)
}

// ErrChaos is returned by a ChaosStage when it injects a failure.
var ErrChaos = errors.New("chaos stage induced failure")

// NewChaosStage creates a chaos stage.
func NewChaosStage[C any](name chainz.Name, config ChaosConfig) *ChaosStage[C] {
	seed := config.Seed
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			seed = time.Now().UnixNano()
		} else {
			for _, b := range seedBytes {
				seed = seed<<8 | int64(b)
			}
		}
	}

	return &ChaosStage[C]{
		name:        name,
		failureRate: config.FailureRate,
		latencyMin:  config.LatencyMin,
		latencyMax:  config.LatencyMax,
		timeoutRate: config.TimeoutRate,
		panicRate:   config.PanicRate,
		rng:         mathrand.New(mathrand.NewSource(seed)), //nolint:gosec // G404: Test utility uses weak RNG for deterministic chaos scenarios
	}
}

// Name returns the name of the chaos stage.
func (c *ChaosStage[C]) Name() chainz.Name {
	return c.name
}

// Process implements chainz.Stage with chaos injection.
func (c *ChaosStage[C]) Process(ctx context.Context, _ C, next chainz.Next) error {
	atomic.AddInt64(&c.totalCalls, 1)

	c.mu.Lock()
	if c.rng.Float64() < c.panicRate {
		c.mu.Unlock()
		atomic.AddInt64(&c.panicCalls, 1)
		panic("chaos stage induced panic")
	}

	var latency time.Duration
	if c.latencyMax > c.latencyMin {
		latency = c.latencyMin + time.Duration(c.rng.Int63n(int64(c.latencyMax-c.latencyMin)))
	} else if c.latencyMin > 0 {
		latency = c.latencyMin
	}
	simulateTimeout := c.rng.Float64() < c.timeoutRate
	injectFailure := c.rng.Float64() < c.failureRate
	c.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if simulateTimeout {
		atomic.AddInt64(&c.timeoutCalls, 1)
		return context.DeadlineExceeded
	}
	if injectFailure {
		atomic.AddInt64(&c.failedCalls, 1)
		return ErrChaos
	}
	return next(ctx)
}

// Stats returns statistics about chaos injection.
func (c *ChaosStage[C]) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:   atomic.LoadInt64(&c.totalCalls),
		FailedCalls:  atomic.LoadInt64(&c.failedCalls),
		TimeoutCalls: atomic.LoadInt64(&c.timeoutCalls),
		PanicCalls:   atomic.LoadInt64(&c.panicCalls),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	TotalCalls   int64
	FailedCalls  int64
	TimeoutCalls int64
	PanicCalls   int64
}

// FailureRate returns the actual failure rate observed.
func (s ChaosStats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// String returns a human-readable representation of the stats.
func (s ChaosStats) String() string {
	return fmt.Sprintf("ChaosStats{Total: %d, Failed: %d (%.1f%%), Timeouts: %d, Panics: %d}",
		s.TotalCalls, s.FailedCalls, s.FailureRate()*100, s.TimeoutCalls, s.PanicCalls)
}

// ParallelTest runs testFunc on several goroutines at once and waits for
// all of them.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}
	wg.Wait()
}
