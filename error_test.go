package chainz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

func TestError(t *testing.T) {
	t.Run("Stage Failure Format", func(t *testing.T) {
		err := &Error[string]{
			Err:      errors.New("invalid body"),
			Path:     []Name{"api", "validate-body"},
			Stage:    "validate-body",
			Index:    1,
			Duration: 100 * time.Millisecond,
			Kind:     KindStage,
		}

		expected := "api -> validate-body failed after 100ms: invalid body"
		if err.Error() != expected {
			t.Errorf("expected %q, got %q", expected, err.Error())
		}
	})

	t.Run("Timeout Format", func(t *testing.T) {
		err := &Error[string]{
			Err:      context.DeadlineExceeded,
			Path:     []Name{"api", "fetch"},
			Duration: 5 * time.Second,
			Kind:     KindStage,
			Timeout:  true,
		}

		expected := "api -> fetch timed out after 5s: context deadline exceeded"
		if err.Error() != expected {
			t.Errorf("expected %q, got %q", expected, err.Error())
		}
		if !err.IsTimeout() {
			t.Error("expected IsTimeout to be true")
		}
		if err.IsCanceled() {
			t.Error("expected IsCanceled to be false")
		}
	})

	t.Run("Canceled Format", func(t *testing.T) {
		err := &Error[string]{
			Err:      context.Canceled,
			Path:     []Name{"api", "fetch"},
			Duration: 2 * time.Second,
			Kind:     KindStage,
			Canceled: true,
		}

		expected := "api -> fetch canceled after 2s: context canceled"
		if err.Error() != expected {
			t.Errorf("expected %q, got %q", expected, err.Error())
		}
		if !err.IsCanceled() {
			t.Error("expected IsCanceled to be true")
		}
	})

	t.Run("Misuse Format", func(t *testing.T) {
		err := &Error[string]{
			Err:   ErrDuplicateNext,
			Path:  []Name{"api", "auth"},
			Stage: "auth",
			Index: 0,
			Kind:  KindDuplicateNext,
		}

		expected := "api -> auth (stage 0) misused continuation: next called multiple times"
		if err.Error() != expected {
			t.Errorf("expected %q, got %q", expected, err.Error())
		}
		if !err.IsMisuse() {
			t.Error("expected IsMisuse to be true")
		}
	})

	t.Run("Panic Format", func(t *testing.T) {
		err := &Error[string]{
			Err:   fmt.Errorf("%w: %v", ErrStagePanic, "boom"),
			Path:  []Name{"api", "handler"},
			Index: 2,
			Kind:  KindPanic,
		}

		if !strings.Contains(err.Error(), "(stage 2) stage panicked: boom") {
			t.Errorf("unexpected panic message %q", err.Error())
		}
		if err.IsMisuse() {
			t.Error("a panic is not continuation misuse")
		}
	})

	t.Run("Unwrap", func(t *testing.T) {
		base := errors.New("base")
		err := &Error[int]{Err: base}

		if !errors.Is(err, base) {
			t.Error("expected errors.Is to find the wrapped error")
		}
		if err.Unwrap() != base {
			t.Error("expected Unwrap to return the wrapped error")
		}
	})

	t.Run("Misuse With Combined Failure", func(t *testing.T) {
		failure := errors.New("handler failed")
		err := &Error[int]{
			Err:  multierror.Append(ErrDuplicateNext, failure),
			Kind: KindDuplicateNext,
		}

		if !errors.Is(err, ErrDuplicateNext) {
			t.Error("expected ErrDuplicateNext to be reachable")
		}
		if !errors.Is(err, failure) {
			t.Error("expected the combined failure to be reachable")
		}
	})

	t.Run("Preserves Context Value", func(t *testing.T) {
		type request struct{ ID string }
		id := uuid.New()
		err := &Error[request]{
			Context:    request{ID: "req-1"},
			DispatchID: id,
		}
		if err.Context.ID != "req-1" || err.DispatchID != id {
			t.Errorf("unexpected error fields %+v", err)
		}
	})
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindStage, "stage"},
		{KindDuplicateNext, "duplicate-next"},
		{KindPanic, "panic"},
		{Kind(0), "kind(0)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.expected {
			t.Errorf("Kind(%d): expected %q, got %q", int(tt.kind), tt.expected, got)
		}
	}
}

func TestErrorFromDispatch(t *testing.T) {
	t.Run("Deadline Exceeded Sets Timeout", func(t *testing.T) {
		p := NewPipeline[*trail]("api",
			Use("slow", func(_ context.Context, _ *trail, _ Next) error {
				return fmt.Errorf("fetch: %w", context.DeadlineExceeded)
			}),
		)
		defer p.Close()

		err := p.Dispatch(context.Background(), &trail{})
		var chainErr *Error[*trail]
		if !errors.As(err, &chainErr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if !chainErr.Timeout || !chainErr.IsTimeout() {
			t.Error("expected timeout to be recorded")
		}
	})

	t.Run("Canceled Sets Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		p := NewPipeline[*trail]("api", ContextCheck[*trail]("check"), pass("after"))
		defer p.Close()

		tr := &trail{}
		err := p.Dispatch(ctx, tr)
		var chainErr *Error[*trail]
		if !errors.As(err, &chainErr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if !chainErr.Canceled {
			t.Error("expected cancellation to be recorded")
		}
		if len(tr.visited) != 0 {
			t.Errorf("expected no stage after the check, got %v", tr.visited)
		}
	})
}
