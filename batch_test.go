package chainz

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/goleak"
)

func TestDispatchAll(t *testing.T) {
	t.Run("Each Value Dispatched Independently", func(t *testing.T) {
		p := NewPipeline[*trail]("batch", pass("a"), pass("b"))
		// Close stops the tracer ID pools before the leak check runs.
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		defer p.Close()

		trails := make([]*trail, 10)
		for i := range trails {
			trails[i] = &trail{}
		}

		if err := p.DispatchAll(context.Background(), 3, trails...); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, tr := range trails {
			if len(tr.visited) != 2 {
				t.Errorf("value %d: expected 2 visits, got %v", i, tr.visited)
			}
		}
	})

	t.Run("Failures Collected In Order", func(t *testing.T) {
		errOdd := errors.New("odd")
		p := NewPipeline[*trail]("batch",
			Use("check", func(ctx context.Context, tr *trail, next Next) error {
				if tr.seen == "odd" {
					return fmt.Errorf("%s: %w", tr.userID, errOdd)
				}
				return next(ctx)
			}),
		)
		// Close stops the tracer ID pools before the leak check runs.
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		defer p.Close()

		trails := make([]*trail, 6)
		for i := range trails {
			trails[i] = &trail{userID: fmt.Sprintf("v%d", i)}
			if i%2 == 1 {
				trails[i].seen = "odd"
			}
		}

		err := p.DispatchAll(context.Background(), 2, trails...)
		var merr *multierror.Error
		if !errors.As(err, &merr) {
			t.Fatalf("expected *multierror.Error, got %T", err)
		}
		if len(merr.Errors) != 3 {
			t.Fatalf("expected 3 failures, got %d", len(merr.Errors))
		}
		for i, e := range merr.Errors {
			var chainErr *Error[*trail]
			if !errors.As(e, &chainErr) {
				t.Fatalf("failure %d: expected *Error, got %T", i, e)
			}
			expected := fmt.Sprintf("v%d", 2*i+1)
			if chainErr.Context.userID != expected {
				t.Errorf("failure %d: expected %s, got %s", i, expected, chainErr.Context.userID)
			}
		}
		if !errors.Is(err, errOdd) {
			t.Error("expected errors.Is to reach the stage error")
		}
	})

	t.Run("Worker Limit", func(t *testing.T) {
		var current, peak atomic.Int64
		p := NewPipeline[*trail]("batch",
			Effect("track", func(_ context.Context, _ *trail) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				current.Add(-1)
				return nil
			}),
		)
		defer p.Close()

		trails := make([]*trail, 50)
		for i := range trails {
			trails[i] = &trail{}
		}
		if err := p.DispatchAll(context.Background(), 4, trails...); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if peak.Load() > 4 {
			t.Errorf("expected at most 4 concurrent dispatches, saw %d", peak.Load())
		}
	})

	t.Run("Empty Batch", func(t *testing.T) {
		p := NewPipeline[*trail]("batch", pass("a"))
		defer p.Close()

		if err := p.DispatchAll(context.Background(), 0); err != nil {
			t.Errorf("expected nil for empty batch, got %v", err)
		}
	})
}
