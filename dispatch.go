package chainz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// lineageKey carries the ids of every dispatch enclosing the current one,
// outermost first. Nested pipelines use it to tell errors raised below them
// from errors raised by the outer chain they continue into.
type lineageKey struct{}

func lineageFrom(ctx context.Context) []uuid.UUID {
	ids, _ := ctx.Value(lineageKey{}).([]uuid.UUID)
	return ids
}

// dispatch holds the bookkeeping for a single run of a pipeline. It is
// never shared between runs.
type dispatch[C any] struct {
	pipeline *Pipeline[C]
	clock    clockz.Clock
	logger   *slog.Logger
	c        C
	tail     Next
	misuse   *Error[C]
	origins  map[*Error[C]]int // stage index that raised each error
	stages   []Stage[C]
	lineage  []uuid.UUID
	cursor   atomic.Int64 // highest index entered, -1 before the first stage
	mu       sync.Mutex   // guards misuse, origins, done and cursor moves
	active   sync.WaitGroup
	id       uuid.UUID
	done     bool
}

func newDispatch[C any](ctx context.Context, p *Pipeline[C], c C, stages []Stage[C], tail Next, clock clockz.Clock, logger *slog.Logger) *dispatch[C] {
	id := uuid.New()
	d := &dispatch[C]{
		pipeline: p,
		clock:    clock,
		logger:   logger,
		c:        c,
		tail:     tail,
		origins:  make(map[*Error[C]]int),
		stages:   stages,
		lineage:  append(slices.Clone(lineageFrom(ctx)), id),
		id:       id,
	}
	d.cursor.Store(-1)
	return d
}

// advance enters stage i. Indices only move forward: asking for an index at
// or below the cursor means the stage at i-1 called next twice.
//
// The done check and the cursor move happen under one lock, so once finish
// has run no continuation can enter a stage. Entries admitted before that
// are waited for by finish.
func (d *dispatch[C]) advance(ctx context.Context, i int) error {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		d.logger.Error("continuation called after dispatch completed",
			"pipeline", d.pipeline.name, "dispatch_id", d.id, "stage_index", i-1)
		return ErrDispatchComplete
	}
	if int64(i) <= d.cursor.Load() {
		d.mu.Unlock()
		return d.duplicate(ctx, i-1)
	}
	d.cursor.Store(int64(i))
	d.active.Add(1)
	d.mu.Unlock()
	defer d.active.Done()

	if i >= len(d.stages) {
		if d.tail != nil {
			return d.tail(ctx)
		}
		return nil
	}
	return d.enter(ctx, i)
}

func (d *dispatch[C]) enter(ctx context.Context, i int) (err error) {
	stage := d.stages[i]
	name := stage.Name()
	start := d.clock.Now()

	d.pipeline.metrics.Counter(PipelineStagesEntered).Inc()
	ctx, span := d.pipeline.tracer.StartSpan(ctx, PipelineStageSpan)
	span.SetTag(PipelineTagStageIndex, strconv.Itoa(i))
	span.SetTag(PipelineTagStageName, name)
	defer span.Finish()
	defer d.recoverStage(ctx, &err, i, name, start)

	next := func(nextCtx context.Context) error {
		if nextCtx == nil {
			nextCtx = ctx
		}
		return d.advance(nextCtx, i+1)
	}

	if err = stage.Process(ctx, d.c, next); err != nil {
		err = d.attribute(ctx, err, i, name, start)
		span.SetTag(PipelineTagError, err.Error())
	}
	return err
}

// finish closes the dispatch to further continuations and waits for any
// stage entered from another goroutine before the close.
func (d *dispatch[C]) finish() {
	d.mu.Lock()
	d.done = true
	d.mu.Unlock()
	d.active.Wait()
}

// attribute turns a raw stage error into an *Error. Errors that already are
// one pass through untouched, except those raised by a nested pipeline:
// those are copied with this pipeline's name at the front of their path.
// An *Error is never changed once it has been returned or emitted.
func (d *dispatch[C]) attribute(ctx context.Context, err error, i int, name Name, start time.Time) error {
	var chainErr *Error[C]
	if errors.As(err, &chainErr) {
		if slices.Contains(d.lineage, chainErr.DispatchID) {
			return err
		}
		outer := *chainErr
		outer.Path = append([]Name{d.pipeline.name}, chainErr.Path...)
		outer.DispatchID = d.id
		d.raisedAt(&outer, i)
		return &outer
	}

	elapsed := d.clock.Since(start)
	chainErr = &Error[C]{
		Timestamp:  d.clock.Now(),
		Context:    d.c,
		Err:        err,
		Path:       []Name{d.pipeline.name, name},
		Stage:      name,
		Index:      i,
		Duration:   elapsed,
		DispatchID: d.id,
		Kind:       KindStage,
		Timeout:    errors.Is(err, context.DeadlineExceeded),
		Canceled:   errors.Is(err, context.Canceled),
	}
	d.raisedAt(chainErr, i)
	d.logger.Warn("stage failed",
		"pipeline", d.pipeline.name, "dispatch_id", d.id, "stage", name, "index", i, "error", err)
	d.emit(ctx, PipelineEventStageFailed, name, i, chainErr, elapsed)
	return chainErr
}

func (d *dispatch[C]) recoverStage(ctx context.Context, err *error, i int, name Name, start time.Time) {
	r := recover()
	if r == nil {
		return
	}

	elapsed := d.clock.Since(start)
	d.pipeline.metrics.Counter(PipelinePanicsTotal).Inc()
	chainErr := &Error[C]{
		Timestamp:  d.clock.Now(),
		Context:    d.c,
		Err:        fmt.Errorf("%w: %v", ErrStagePanic, r),
		Path:       []Name{d.pipeline.name, name},
		Stage:      name,
		Index:      i,
		Duration:   elapsed,
		DispatchID: d.id,
		Kind:       KindPanic,
	}
	d.raisedAt(chainErr, i)
	d.logger.Warn("stage panicked",
		"pipeline", d.pipeline.name, "dispatch_id", d.id, "stage", name, "index", i, "panic", r)
	d.emit(ctx, PipelineEventStageFailed, name, i, chainErr, elapsed)
	*err = chainErr
}

// duplicate records that the stage at index i called next again. Only the
// first violation is kept; later ones return the same error.
func (d *dispatch[C]) duplicate(ctx context.Context, i int) error {
	d.mu.Lock()
	if d.misuse != nil {
		misuse := d.misuse
		d.mu.Unlock()
		return misuse
	}
	name := d.stages[i].Name()
	misuse := &Error[C]{
		Timestamp:  d.clock.Now(),
		Context:    d.c,
		Err:        ErrDuplicateNext,
		Path:       []Name{d.pipeline.name, name},
		Stage:      name,
		Index:      i,
		DispatchID: d.id,
		Kind:       KindDuplicateNext,
	}
	d.misuse = misuse
	d.mu.Unlock()

	d.pipeline.metrics.Counter(PipelineMisuseTotal).Inc()
	d.logger.Error("stage called next more than once",
		"pipeline", d.pipeline.name, "dispatch_id", d.id, "stage", name, "index", i)
	d.emit(ctx, PipelineEventMisuse, name, i, misuse, 0)
	return misuse
}

// settle gives a recorded misuse precedence over whatever the chain
// returned, so a stage cannot hide it. Any other failure is kept alongside.
func (d *dispatch[C]) settle(err error) error {
	d.mu.Lock()
	misuse := d.misuse
	d.mu.Unlock()

	if misuse == nil {
		return err
	}
	if err == nil || errors.Is(err, ErrDuplicateNext) {
		return misuse
	}
	combined := *misuse
	combined.Err = multierror.Append(misuse.Err, err)
	return &combined
}

func (d *dispatch[C]) raisedAt(err *Error[C], i int) {
	d.mu.Lock()
	d.origins[err] = i
	d.mu.Unlock()
}

// failedAt returns the index of the stage that raised err, or -1 when err
// did not come from a stage of this dispatch.
func (d *dispatch[C]) failedAt(err error) int {
	var chainErr *Error[C]
	if !errors.As(err, &chainErr) {
		return -1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if i, ok := d.origins[chainErr]; ok {
		return i
	}
	return -1
}

func (d *dispatch[C]) report(err error, elapsed time.Duration) Report {
	d.mu.Lock()
	misuse := d.misuse
	d.mu.Unlock()

	total := len(d.stages)
	cursor := int(d.cursor.Load())
	r := Report{
		DispatchID:   d.id,
		TotalStages:  total,
		Reached:      min(cursor+1, total),
		StoppedIndex: -1,
		Duration:     elapsed,
	}

	stoppedAt := func(i int) {
		if i >= 0 && i < total {
			r.StoppedIndex = i
			r.StoppedAt = d.stages[i].Name()
		}
	}

	var chainErr *Error[C]
	switch {
	case err == nil && cursor >= total:
		r.Outcome = OutcomeCompleted
	case err == nil:
		r.Outcome = OutcomeShortCircuited
		stoppedAt(cursor)
	case errors.As(err, &chainErr) && chainErr.Kind == KindDuplicateNext:
		r.Outcome = OutcomeMisuse
		if misuse != nil {
			stoppedAt(misuse.Index)
		} else {
			stoppedAt(cursor)
		}
	default:
		r.Outcome = OutcomeFailed
		if i := d.failedAt(err); i >= 0 {
			stoppedAt(i)
		} else {
			stoppedAt(cursor)
		}
	}
	return r
}

func (d *dispatch[C]) emit(ctx context.Context, key hookz.Key, stage Name, i int, err error, elapsed time.Duration) {
	_ = d.pipeline.hooks.Emit(ctx, key, PipelineEvent{ //nolint:errcheck
		Name:        d.pipeline.name,
		DispatchID:  d.id,
		StageName:   stage,
		StageIndex:  i,
		TotalStages: len(d.stages),
		Reached:     min(int(d.cursor.Load())+1, len(d.stages)),
		Error:       err,
		Duration:    elapsed,
		Timestamp:   d.clock.Now(),
	})
}
