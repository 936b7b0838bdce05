package chainz

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// DispatchAll dispatches every context value independently with at most
// workers dispatches in flight. Each value gets its own cursor and its own
// outcome; one failure does not stop the others.
//
// It returns nil when every dispatch succeeded, otherwise a
// *multierror.Error holding each failure in input order. Stages reaching
// shared resources must synchronize them themselves.
//
// Example:
//
//	err := api.DispatchAll(ctx, 8, requests...)
//	var merr *multierror.Error
//	if errors.As(err, &merr) {
//	    for _, e := range merr.Errors { ... }
//	}
func (p *Pipeline[C]) DispatchAll(ctx context.Context, workers int, cs ...C) error {
	if workers <= 0 {
		workers = 1
	}

	errs := make([]error, len(cs))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, c := range cs {
		g.Go(func() error {
			errs[i] = p.Dispatch(ctx, c)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
