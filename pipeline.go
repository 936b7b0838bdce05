package chainz

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Pipeline.
const (
	// Metrics.
	PipelineDispatchedTotal     = metricz.Key("pipeline.dispatched.total")
	PipelineCompletedTotal      = metricz.Key("pipeline.completed.total")
	PipelineShortCircuitedTotal = metricz.Key("pipeline.short_circuited.total")
	PipelineFailedTotal         = metricz.Key("pipeline.failed.total")
	PipelineMisuseTotal         = metricz.Key("pipeline.misuse.total")
	PipelinePanicsTotal         = metricz.Key("pipeline.panics.total")
	PipelineStagesEntered       = metricz.Key("pipeline.stages.entered")
	PipelineStagesTotal         = metricz.Key("pipeline.stages.total")
	PipelineInflight            = metricz.Key("pipeline.inflight")
	PipelineDurationMs          = metricz.Key("pipeline.duration.ms")

	// Spans.
	PipelineDispatchSpan = tracez.Key("pipeline.dispatch")
	PipelineStageSpan    = tracez.Key("pipeline.stage")

	// Tags.
	PipelineTagDispatchID = tracez.Tag("pipeline.dispatch_id")
	PipelineTagStageCount = tracez.Tag("pipeline.stage_count")
	PipelineTagStageIndex = tracez.Tag("pipeline.stage_index")
	PipelineTagStageName  = tracez.Tag("pipeline.stage_name")
	PipelineTagOutcome    = tracez.Tag("pipeline.outcome")
	PipelineTagError      = tracez.Tag("pipeline.error")

	// Hook event keys.
	PipelineEventStageFailed      = hookz.Key("pipeline.stage_failed")
	PipelineEventShortCircuit     = hookz.Key("pipeline.short_circuit")
	PipelineEventMisuse           = hookz.Key("pipeline.misuse")
	PipelineEventDispatchComplete = hookz.Key("pipeline.dispatch_complete")
)

// Outcome describes how a dispatch ended.
type Outcome string

// Dispatch outcomes.
const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeShortCircuited Outcome = "short-circuited"
	OutcomeFailed         Outcome = "failed"
	OutcomeMisuse         Outcome = "misuse"
)

// Report summarizes one dispatch.
type Report struct {
	DispatchID   uuid.UUID
	Outcome      Outcome
	StoppedAt    Name // stage that ended the chain; empty when completed
	StoppedIndex int  // -1 when completed
	Reached      int  // number of stages entered
	TotalStages  int
	Duration     time.Duration
}

// PipelineEvent is emitted via hookz when a stage fails, when a stage
// misuses its continuation, when a dispatch short-circuits and when any
// dispatch finishes.
type PipelineEvent struct {
	Name        Name          // Pipeline name
	DispatchID  uuid.UUID     // Dispatch the event belongs to
	StageName   Name          // Stage concerned, if any
	StageIndex  int           // Index of that stage, -1 if none
	TotalStages int           // Registered stages
	Reached     int           // Stages entered so far
	Outcome     Outcome       // Set on dispatch_complete and short_circuit
	Error       error         // Failure, if any
	Duration    time.Duration // Stage or dispatch duration
	Timestamp   time.Time     // When the event occurred
}

// Pipeline runs an ordered sequence of stages over one context value per
// dispatch.
//
// Stages run in registration order. Each receives a continuation that
// enters the next stage; the chain ends when a stage declines to call it,
// when a stage fails, or when every stage has been entered.
//
// Key properties:
//   - Append-only registry, closed by the first dispatch
//   - No per-dispatch state on the Pipeline, so dispatches may run concurrently
//   - Every continuation is single-use; a second call is reported as KindDuplicateNext
//   - Stage panics are recovered and reported as KindPanic
//   - A Pipeline is itself a Stage and can be nested in another Pipeline
//
// # Observability
//
// Metrics:
//   - pipeline.dispatched.total: Counter of dispatches started
//   - pipeline.completed.total: Counter of dispatches that entered every stage
//   - pipeline.short_circuited.total: Counter of dispatches ended by a stage without error
//   - pipeline.failed.total: Counter of rejected dispatches (failures and misuse)
//   - pipeline.misuse.total: Counter of duplicate continuation calls
//   - pipeline.panics.total: Counter of recovered stage panics
//   - pipeline.stages.entered: Counter of stage entries
//   - pipeline.stages.total: Gauge of registered stages
//   - pipeline.inflight: Gauge of dispatches currently running
//   - pipeline.duration.ms: Gauge of the last dispatch duration
//
// Traces:
//   - pipeline.dispatch: Parent span for a dispatch
//   - pipeline.stage: Child span for each entered stage
//
// Events (via hooks):
//   - pipeline.stage_failed: A stage returned an error or panicked
//   - pipeline.misuse: A stage called next more than once
//   - pipeline.short_circuit: A dispatch ended early without error
//   - pipeline.dispatch_complete: Any dispatch finished
//
// Example:
//
//	api := chainz.NewPipeline[*Request]("api",
//	    auth,
//	    validateBody,
//	    handler,
//	)
//	defer api.Close()
//
//	api.OnMisuse(func(_ context.Context, e chainz.PipelineEvent) error {
//	    alert.Page("stage %s called next twice", e.StageName)
//	    return nil
//	})
//
//	if err := api.Dispatch(ctx, req); err != nil {
//	    // translate into a response
//	}
type Pipeline[C any] struct {
	name     Name
	stages   []Stage[C]
	clock    clockz.Clock
	logger   *slog.Logger
	mu       sync.RWMutex
	sealed   atomic.Bool
	inflight atomic.Int64
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
	hooks    *hookz.Hooks[PipelineEvent]
}

// NewPipeline creates a Pipeline with optional initial stages. More stages
// can be added with Register until the first dispatch.
//
// NewPipeline panics if a stage is nil, including a nil pointer held in the
// Stage interface; Register reports the same case as ErrNilStage.
func NewPipeline[C any](name Name, stages ...Stage[C]) *Pipeline[C] {
	// Initialize observability
	metrics := metricz.New()
	metrics.Counter(PipelineDispatchedTotal)
	metrics.Counter(PipelineCompletedTotal)
	metrics.Counter(PipelineShortCircuitedTotal)
	metrics.Counter(PipelineFailedTotal)
	metrics.Counter(PipelineMisuseTotal)
	metrics.Counter(PipelinePanicsTotal)
	metrics.Counter(PipelineStagesEntered)
	metrics.Gauge(PipelineStagesTotal)
	metrics.Gauge(PipelineInflight)
	metrics.Gauge(PipelineDurationMs)

	p := &Pipeline[C]{
		name:    name,
		stages:  make([]Stage[C], 0, len(stages)),
		clock:   clockz.RealClock,
		logger:  slog.Default(),
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[PipelineEvent](),
	}
	for i, s := range stages {
		if isNilStage(s) {
			panic(fmt.Sprintf("NewPipeline %q: stage %d: %v", name, i, ErrNilStage))
		}
		p.stages = append(p.stages, s)
	}
	metrics.Gauge(PipelineStagesTotal).Set(float64(len(p.stages)))
	return p
}

// Register appends stages to the pipeline. Stages run in the order they are
// registered; registering the same stage twice gives it two positions.
//
// Register returns ErrSealed once any dispatch has started and ErrNilStage
// if a stage is nil. In both cases nothing is appended.
func (p *Pipeline[C]) Register(stages ...Stage[C]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sealed.Load() {
		return ErrSealed
	}
	for _, s := range stages {
		if isNilStage(s) {
			return ErrNilStage
		}
	}
	p.stages = append(p.stages, stages...)
	p.metrics.Gauge(PipelineStagesTotal).Set(float64(len(p.stages)))
	return nil
}

// isNilStage reports whether s is nil or wraps a nil pointer, func, map,
// slice, chan or interface.
func isNilStage[C any](s Stage[C]) bool {
	if s == nil {
		return true
	}
	v := reflect.ValueOf(s)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Dispatch runs the registered stages over c. It returns nil when a stage
// short-circuits or when every stage has been entered, and an *Error[C]
// when a stage fails, panics or calls next more than once.
//
// The pipeline does not check ctx. It is handed to the first stage and
// each stage passes a context on through next.
func (p *Pipeline[C]) Dispatch(ctx context.Context, c C) error {
	_, err := p.run(ctx, c, nil)
	return err
}

// Run is Dispatch with a Report describing how the dispatch ended.
func (p *Pipeline[C]) Run(ctx context.Context, c C) (Report, error) {
	return p.run(ctx, c, nil)
}

// Process implements Stage so a Pipeline can be nested in another one.
// When the nested registry is exhausted it calls next once; a short-circuit
// inside it ends the outer chain as well.
func (p *Pipeline[C]) Process(ctx context.Context, c C, next Next) error {
	_, err := p.run(ctx, c, next)
	return err
}

func (p *Pipeline[C]) run(ctx context.Context, c C, tail Next) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	p.sealed.Store(true)
	stages := p.stages
	clock := p.getClock()
	logger := p.logger
	p.mu.RUnlock()

	d := newDispatch(ctx, p, c, stages, tail, clock, logger)
	ctx = context.WithValue(ctx, lineageKey{}, d.lineage)

	p.metrics.Counter(PipelineDispatchedTotal).Inc()
	p.metrics.Gauge(PipelineInflight).Set(float64(p.inflight.Add(1)))
	start := clock.Now()

	ctx, span := p.tracer.StartSpan(ctx, PipelineDispatchSpan)
	span.SetTag(PipelineTagDispatchID, d.id.String())
	span.SetTag(PipelineTagStageCount, strconv.Itoa(len(stages)))

	err := d.advance(ctx, 0)
	d.finish()
	err = d.settle(err)
	report := d.report(err, clock.Since(start))

	p.metrics.Gauge(PipelineInflight).Set(float64(p.inflight.Add(-1)))
	p.metrics.Gauge(PipelineDurationMs).Set(float64(report.Duration.Milliseconds()))
	span.SetTag(PipelineTagOutcome, string(report.Outcome))
	if err != nil {
		span.SetTag(PipelineTagError, err.Error())
	}
	span.Finish()

	p.record(ctx, logger, clock, report, err)
	return report, err
}

func (p *Pipeline[C]) record(ctx context.Context, logger *slog.Logger, clock clockz.Clock, r Report, err error) {
	event := PipelineEvent{
		Name:        p.name,
		DispatchID:  r.DispatchID,
		StageName:   r.StoppedAt,
		StageIndex:  r.StoppedIndex,
		TotalStages: r.TotalStages,
		Reached:     r.Reached,
		Outcome:     r.Outcome,
		Error:       err,
		Duration:    r.Duration,
		Timestamp:   clock.Now(),
	}

	switch r.Outcome {
	case OutcomeCompleted:
		p.metrics.Counter(PipelineCompletedTotal).Inc()
		logger.Debug("dispatch completed",
			"pipeline", p.name, "dispatch_id", r.DispatchID, "stages", r.Reached, "duration", r.Duration)
	case OutcomeShortCircuited:
		p.metrics.Counter(PipelineShortCircuitedTotal).Inc()
		logger.Debug("dispatch short-circuited",
			"pipeline", p.name, "dispatch_id", r.DispatchID, "stage", r.StoppedAt, "index", r.StoppedIndex)
		_ = p.hooks.Emit(ctx, PipelineEventShortCircuit, event) //nolint:errcheck
	case OutcomeFailed, OutcomeMisuse:
		p.metrics.Counter(PipelineFailedTotal).Inc()
		logger.Debug("dispatch rejected",
			"pipeline", p.name, "dispatch_id", r.DispatchID, "outcome", r.Outcome, "error", err)
	}

	_ = p.hooks.Emit(ctx, PipelineEventDispatchComplete, event) //nolint:errcheck
}

// Name returns the name of the pipeline.
func (p *Pipeline[C]) Name() Name {
	return p.name
}

// Len returns the number of registered stages.
func (p *Pipeline[C]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Names returns the names of all stages in registration order.
func (p *Pipeline[C]) Names() []Name {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]Name, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Sealed reports whether registration is closed.
func (p *Pipeline[C]) Sealed() bool {
	return p.sealed.Load()
}

// WithClock sets the clock used for timestamps and durations.
func (p *Pipeline[C]) WithClock(clock clockz.Clock) *Pipeline[C] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
	return p
}

// WithLogger sets the structured logger. Misuse is logged at Error, stage
// failures at Warn and outcomes at Debug.
func (p *Pipeline[C]) WithLogger(logger *slog.Logger) *Pipeline[C] {
	if logger == nil {
		return p
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
	return p
}

func (p *Pipeline[C]) getClock() clockz.Clock {
	if p.clock == nil {
		return clockz.RealClock
	}
	return p.clock
}

// Metrics returns the metrics registry for this pipeline.
func (p *Pipeline[C]) Metrics() *metricz.Registry {
	return p.metrics
}

// Tracer returns the tracer for this pipeline.
func (p *Pipeline[C]) Tracer() *tracez.Tracer {
	return p.tracer
}

// Close gracefully shuts down observability components.
func (p *Pipeline[C]) Close() error {
	if p.tracer != nil {
		p.tracer.Close()
	}
	p.hooks.Close()
	return nil
}

// OnStageFailed registers a handler called asynchronously when a stage
// returns an error or panics.
func (p *Pipeline[C]) OnStageFailed(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventStageFailed, handler)
	return err
}

// OnMisuse registers a handler called asynchronously when a stage calls its
// continuation more than once.
func (p *Pipeline[C]) OnMisuse(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventMisuse, handler)
	return err
}

// OnShortCircuit registers a handler called asynchronously when a dispatch
// ends because a stage did not continue.
func (p *Pipeline[C]) OnShortCircuit(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventShortCircuit, handler)
	return err
}

// OnDispatchComplete registers a handler called asynchronously after every
// dispatch, whatever its outcome.
func (p *Pipeline[C]) OnDispatchComplete(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventDispatchComplete, handler)
	return err
}
