package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopStage(name string, weight float64) Stage {
	return Stage{
		Name:   name,
		Weight: weight,
		Run:    func(context.Context, func(float64)) error { return nil },
	}
}

func TestPipeline_ProgressFollowsStageWeights(t *testing.T) {
	var samples []float64
	report := func(p float64) { samples = append(samples, p) }

	p := New(testLogger(),
		noopStage("cleanup", 5),
		noopStage("fetch", 10),
		noopStage("preprocess", 15),
		noopStage("transform", 30),
		noopStage("package", 40),
	)

	require.NoError(t, p.Execute(context.Background(), report))

	assert.Equal(t, []float64{10, 25, 55, 95, 100}, samples)
}

func TestPipeline_FailureMidTransform(t *testing.T) {
	var last float64
	report := func(p float64) { last = p }

	transform := Stage{
		Name:   "transform",
		Weight: 30,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(_ context.Context, report func(float64)) error {
			report(0.6)
			return errors.New("tool crashed")
		},
	}

	cleanupRan := false
	cleanup := Stage{
		Name:   "cleanup",
		Weight: 5,
		Run: func(context.Context, func(float64)) error {
			cleanupRan = true
			return nil
		},
	}

	p := New(testLogger(), cleanup,
		noopStage("fetch", 10),
		noopStage("preprocess", 15),
		transform,
		noopStage("package", 40),
	)

	err := p.Execute(context.Background(), report)
	require.Error(t, err)
	assert.True(t, cleanupRan)

	// 10 + 15 done, 60% of 30 in flight
	assert.InDelta(t, 43.0, last, 0.001)
	assert.Equal(t, jobqueue.ClassTransformFailed, Classify(err))

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "transform", stageErr.Stage)
}

func TestPipeline_ProgressNeverRegresses(t *testing.T) {
	var samples []float64
	report := func(p float64) { samples = append(samples, p) }

	jumpy := Stage{
		Name:   "transform",
		Weight: 90,
		Run: func(_ context.Context, report func(float64)) error {
			report(1.0)
			report(0.2) // late low sample must not be surfaced
			return nil
		},
	}

	p := New(testLogger(), noopStage("cleanup", 10), jumpy)
	require.NoError(t, p.Execute(context.Background(), report))

	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i], samples[i-1])
	}
	assert.Equal(t, 100.0, samples[len(samples)-1])
}

func TestPipeline_CleanupRunsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var cleanupCtxErr error
	cleanup := Stage{
		Name:   "cleanup",
		Weight: 5,
		Run: func(ctx context.Context, _ func(float64)) error {
			cleanupCtxErr = ctx.Err()
			return nil
		},
	}

	blocked := Stage{
		Name:   "transform",
		Weight: 95,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(ctx context.Context, _ func(float64)) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	}

	p := New(testLogger(), cleanup, blocked)
	err := p.Execute(ctx, nil)
	require.Error(t, err)

	// cleanup saw a live context despite the job being cancelled
	assert.NoError(t, cleanupCtxErr)
}

func TestPipeline_CleanupFailureKeepsSuccessfulOutcome(t *testing.T) {
	var last float64
	report := func(p float64) { last = p }

	cleanup := Stage{
		Name:   "cleanup",
		Weight: 5,
		Run: func(context.Context, func(float64)) error {
			return errors.New("staging blob delete failed")
		},
	}

	p := New(testLogger(), cleanup, noopStage("fetch", 95))
	err := p.Execute(context.Background(), report)
	require.NoError(t, err, "cleanup is best effort and must not mask the outcome")
	assert.Equal(t, 100.0, last)
}

func TestPipeline_CleanupFailureDoesNotHideConversionError(t *testing.T) {
	failing := Stage{
		Name:   "transform",
		Weight: 95,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(context.Context, func(float64)) error {
			return errors.New("tool crashed")
		},
	}
	cleanup := Stage{
		Name:   "cleanup",
		Weight: 5,
		Run: func(context.Context, func(float64)) error {
			return errors.New("scratch dir busy")
		},
	}

	p := New(testLogger(), cleanup, failing)
	err := p.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, jobqueue.ClassTransformFailed, Classify(err))
}

func TestClassify_UnclassifiedErrors(t *testing.T) {
	assert.Equal(t, "", Classify(nil))
	assert.Equal(t, jobqueue.ClassConversionFailed, Classify(errors.New("plain")))
}
