package chainz

import "context"

// Handler is a named stage backed by a function. It is the basic building
// block returned by the adapter functions Use, Effect, Guard, Terminal,
// Finally and ContextCheck.
//
// The fn field is private so handlers are only created through the
// adapters, which keeps naming consistent across a pipeline.
type Handler[C any] struct {
	fn   func(context.Context, C, Next) error
	name Name
}

// Process implements Stage.
func (h Handler[C]) Process(ctx context.Context, c C, next Next) error {
	return h.fn(ctx, c, next)
}

// Name returns the name of the handler.
func (h Handler[C]) Name() Name {
	return h.name
}

// Use wraps a full middleware function. The function owns the decision to
// continue, short-circuit or fail:
//
//	auth := chainz.Use("auth", func(ctx context.Context, r *Request, next chainz.Next) error {
//	    if r.Token == "" {
//	        return ErrUnauthorized
//	    }
//	    r.UserID = lookup(r.Token)
//	    return next(ctx)
//	})
func Use[C any](name Name, fn func(context.Context, C, Next) error) Handler[C] {
	return Handler[C]{name: name, fn: fn}
}

// Effect runs fn and continues when it succeeds. A returned error fails the
// dispatch before the following stages run.
//
//	validate := chainz.Effect("validate-body", func(_ context.Context, r *Request) error {
//	    if r.Body["data"] == nil {
//	        return ErrInvalidBody
//	    }
//	    return nil
//	})
func Effect[C any](name Name, fn func(context.Context, C) error) Handler[C] {
	return Handler[C]{
		name: name,
		fn: func(ctx context.Context, c C, next Next) error {
			if err := fn(ctx, c); err != nil {
				return err
			}
			return next(ctx)
		},
	}
}

// Guard continues only when allow returns true. Otherwise the chain ends
// without an error, which is how a stage rejects a request softly.
func Guard[C any](name Name, allow func(context.Context, C) bool) Handler[C] {
	return Handler[C]{
		name: name,
		fn: func(ctx context.Context, c C, next Next) error {
			if !allow(ctx, c) {
				return nil
			}
			return next(ctx)
		},
	}
}

// Terminal runs fn and never continues. Register it last; anything after it
// is unreachable.
func Terminal[C any](name Name, fn func(context.Context, C) error) Handler[C] {
	return Handler[C]{
		name: name,
		fn: func(ctx context.Context, c C, _ Next) error {
			return fn(ctx, c)
		},
	}
}

// Finally continues and then calls fn with the result of the rest of the
// chain. It returns that result unchanged. Use it to release resources a
// stage acquired, whatever happened downstream.
//
//	conn := chainz.Finally("release-conn", func(_ context.Context, r *Request, _ error) {
//	    if r.Conn != nil {
//	        r.Conn.Close()
//	    }
//	})
func Finally[C any](name Name, fn func(context.Context, C, error)) Handler[C] {
	return Handler[C]{
		name: name,
		fn: func(ctx context.Context, c C, next Next) error {
			err := next(ctx)
			fn(ctx, c, err)
			return err
		},
	}
}

// ContextCheck fails with ctx.Err() when the context is already done and
// continues otherwise. Place it before expensive stages.
func ContextCheck[C any](name Name) Handler[C] {
	return Handler[C]{
		name: name,
		fn: func(ctx context.Context, _ C, next Next) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return next(ctx)
		},
	}
}
