package chainz_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/zoobzio/chainz"
)

type benchRequest struct {
	UserID string
	Hits   int
}

func benchStages(n int) []chainz.Stage[*benchRequest] {
	stages := make([]chainz.Stage[*benchRequest], n)
	for i := range stages {
		stages[i] = chainz.Effect(fmt.Sprintf("stage-%d", i), func(_ context.Context, r *benchRequest) error {
			r.Hits++
			return nil
		})
	}
	return stages
}

// BenchmarkPipeline_Baseline measures the overhead of an empty pipeline.
func BenchmarkPipeline_Baseline(b *testing.B) {
	ctx := context.Background()
	pipeline := chainz.NewPipeline[*benchRequest]("empty")
	defer pipeline.Close()
	req := &benchRequest{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pipeline.Dispatch(ctx, req) //nolint:errcheck // benchmark ignores errors
	}
}

// BenchmarkPipeline_Length measures how dispatch cost grows with stage count.
func BenchmarkPipeline_Length(b *testing.B) {
	ctx := context.Background()
	for _, n := range []int{1, 5, 10, 50} {
		b.Run(fmt.Sprintf("Stages_%d", n), func(b *testing.B) {
			pipeline := chainz.NewPipeline[*benchRequest]("length", benchStages(n)...)
			defer pipeline.Close()
			req := &benchRequest{}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pipeline.Dispatch(ctx, req) //nolint:errcheck // benchmark ignores errors
			}
		})
	}
}

// BenchmarkPipeline_Outcomes measures each way a dispatch can end.
func BenchmarkPipeline_Outcomes(b *testing.B) {
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	errBench := errors.New("bench")

	outcomes := map[string]chainz.Stage[*benchRequest]{
		"ShortCircuit": chainz.Guard("guard", func(context.Context, *benchRequest) bool { return false }),
		"Failure":      chainz.Effect("fail", func(context.Context, *benchRequest) error { return errBench }),
		"Misuse": chainz.Use("twice", func(ctx context.Context, _ *benchRequest, next chainz.Next) error {
			_ = next(ctx) //nolint:errcheck
			return next(ctx)
		}),
	}
	for name, stage := range outcomes {
		b.Run(name, func(b *testing.B) {
			pipeline := chainz.NewPipeline[*benchRequest]("outcomes", stage, benchStages(1)[0]).WithLogger(quiet)
			defer pipeline.Close()
			req := &benchRequest{}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pipeline.Dispatch(ctx, req) //nolint:errcheck // benchmark ignores errors
			}
		})
	}
}

// BenchmarkPipeline_Parallel measures concurrent dispatch on a shared pipeline.
func BenchmarkPipeline_Parallel(b *testing.B) {
	ctx := context.Background()
	pipeline := chainz.NewPipeline[*benchRequest]("parallel", benchStages(5)...)
	defer pipeline.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		req := &benchRequest{}
		for pb.Next() {
			_ = pipeline.Dispatch(ctx, req) //nolint:errcheck // benchmark ignores errors
		}
	})
}

// BenchmarkPipeline_Nested measures a pipeline used as a stage.
func BenchmarkPipeline_Nested(b *testing.B) {
	ctx := context.Background()
	inner := chainz.NewPipeline[*benchRequest]("inner", benchStages(3)...)
	outer := chainz.NewPipeline[*benchRequest]("outer", append([]chainz.Stage[*benchRequest]{inner}, benchStages(2)...)...)
	defer inner.Close()
	defer outer.Close()
	req := &benchRequest{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = outer.Dispatch(ctx, req) //nolint:errcheck // benchmark ignores errors
	}
}
