// Package chainz provides an ordered, type-safe middleware pipeline for Go.
//
// # Overview
//
// chainz runs a registered sequence of stages over one shared, mutable
// request context. Every stage receives the context and a continuation. It
// may inspect or mutate the context and then decide to:
//
//   - continue: call next, which enters the following stage
//   - short-circuit: return nil without calling next, which ends the chain softly
//   - fail: return an error, which aborts every stage still pending
//
// A stage may block (I/O, channels, timers) before doing either. The
// pipeline never runs two stages of the same dispatch at once: stage i+1
// starts only when stage i calls next.
//
// # Installation
//
//	go get github.com/zoobzio/chainz
//
// # Core Concepts
//
// The library is built around a single interface:
//
//	type Stage[C any] interface {
//	    Process(ctx context.Context, c C, next Next) error
//	    Name() Name
//	}
//
// C is the request context. The pipeline never inspects it; it hands the
// same value to every stage of a dispatch. Use a pointer type when stages
// need to share mutations:
//
//	type Request struct {
//	    IP     string
//	    Token  string
//	    Body   map[string]any
//	    UserID string
//	}
//
//	api := chainz.NewPipeline[*Request]("api")
//	api.Register(
//	    chainz.Use("auth", func(ctx context.Context, r *Request, next chainz.Next) error {
//	        if r.Token == "" {
//	            return ErrUnauthorized
//	        }
//	        r.UserID = "USER-123"
//	        return next(ctx)
//	    }),
//	    chainz.Guard("has-body", func(_ context.Context, r *Request) bool {
//	        return r.Body != nil
//	    }),
//	    chainz.Terminal("handler", handle),
//	)
//
//	err := api.Dispatch(ctx, &Request{IP: "1.2.3.4", Token: "abc"})
//
// # Continuations
//
// next may be called at most once per stage. A second call is a programming
// error in the stage: it returns an *Error with Kind KindDuplicateNext and
// the dispatch reports that error even if the offending stage ignores it.
// next returns whatever the rest of the chain returned, so a stage can
// observe downstream failures and run cleanup after them.
//
// The context.Context given to next is the one the following stage sees.
// This is how deadlines and cancellation travel down the chain; the
// pipeline itself never checks ctx and never interrupts a blocked stage.
//
// # Error Handling
//
// Dispatch returns nil or an *Error[C]:
//
//	err := api.Dispatch(ctx, req)
//	var chainErr *chainz.Error[*Request]
//	if errors.As(err, &chainErr) {
//	    switch chainErr.Kind {
//	    case chainz.KindStage:
//	        // business failure, e.g. errors.Is(err, ErrUnauthorized)
//	    case chainz.KindDuplicateNext:
//	        // bug in a stage
//	    case chainz.KindPanic:
//	        // a stage panicked
//	    }
//	}
//
// # Concurrency
//
// A Pipeline holds no per-dispatch state, so any number of Dispatch calls
// may run on it concurrently. Registration is closed once the first
// dispatch starts; later Register calls return ErrSealed.
//
// # Observability
//
// Every Pipeline carries a metricz registry, a tracez tracer and hookz
// events. See Pipeline for the keys.
package chainz

import "context"

// Name identifies a stage or a pipeline. Names appear in Error.Path, in
// spans and in events, so keep them short and stable.
//
// Example:
//
//	const (
//	    AuthStage     chainz.Name = "auth"
//	    ValidateStage chainz.Name = "validate-body"
//	)
type Name = string

// Next is the continuation handed to a stage. Calling it enters the
// following stage with the given context and returns the result of the rest
// of the chain. A nil ctx reuses the context the current stage received.
type Next func(ctx context.Context) error

// Stage is one unit of the processing chain.
//
// Process receives the dispatch's context value and the continuation. It
// returns nil for success (whether or not it continued) or an error to fail
// the dispatch. Implementations must call next at most once.
type Stage[C any] interface {
	Process(ctx context.Context, c C, next Next) error
	Name() Name
}
