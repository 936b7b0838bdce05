package chainz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	// ErrDuplicateNext is the cause of every KindDuplicateNext error.
	ErrDuplicateNext = errors.New("next called multiple times")
	// ErrStagePanic is the cause of every KindPanic error.
	ErrStagePanic = errors.New("stage panicked")
	// ErrSealed is returned by Register once a dispatch has started.
	ErrSealed = errors.New("pipeline sealed: registration after dispatch")
	// ErrNilStage is returned by Register for a nil stage.
	ErrNilStage = errors.New("nil stage")
	// ErrDispatchComplete is returned by a next called after its dispatch returned.
	ErrDispatchComplete = errors.New("next called after dispatch completed")
)

// Kind classifies an Error.
type Kind int

// Error kinds.
const (
	// KindStage is a failure returned by a stage's own logic.
	KindStage Kind = iota + 1
	// KindDuplicateNext is a stage calling its continuation more than once.
	KindDuplicateNext
	// KindPanic is a stage that panicked.
	KindPanic
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindStage:
		return "stage"
	case KindDuplicateNext:
		return "duplicate-next"
	case KindPanic:
		return "panic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error provides rich context about a failed dispatch. It records which
// stage failed, where that stage sits (Path and Index), the context value
// being dispatched, and whether the failure came from a timeout or a
// cancellation.
//
// Kind separates business failures (KindStage) from bugs in stages
// (KindDuplicateNext, KindPanic), so hosts never need to match on strings:
//
//	var chainErr *chainz.Error[*Request]
//	if errors.As(err, &chainErr) && chainErr.IsMisuse() {
//	    log.Error("stage bug", "stage", chainErr.Stage)
//	}
type Error[C any] struct {
	Timestamp  time.Time
	Context    C
	Err        error
	Path       []Name
	Stage      Name
	Index      int
	Duration   time.Duration
	DispatchID uuid.UUID
	Kind       Kind
	Timeout    bool
	Canceled   bool
}

// Error implements the error interface.
func (e *Error[C]) Error() string {
	path := strings.Join(e.Path, " -> ")
	switch {
	case e.Kind == KindDuplicateNext:
		return fmt.Sprintf("%s (stage %d) misused continuation: %v", path, e.Index, e.Err)
	case e.Kind == KindPanic:
		return fmt.Sprintf("%s (stage %d) %v", path, e.Index, e.Err)
	case e.Timeout:
		return fmt.Sprintf("%s timed out after %v: %v", path, e.Duration, e.Err)
	case e.Canceled:
		return fmt.Sprintf("%s canceled after %v: %v", path, e.Duration, e.Err)
	default:
		return fmt.Sprintf("%s failed after %v: %v", path, e.Duration, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *Error[C]) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether the failure was caused by a deadline.
func (e *Error[C]) IsTimeout() bool {
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the failure was caused by cancellation.
func (e *Error[C]) IsCanceled() bool {
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// IsMisuse reports whether the failure is a continuation protocol violation.
func (e *Error[C]) IsMisuse() bool {
	return e.Kind == KindDuplicateNext
}
