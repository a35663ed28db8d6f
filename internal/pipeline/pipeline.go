package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// ReportFunc receives total pipeline progress in percent
type ReportFunc func(progress float64)

// Stage is one weighted step of a conversion. Run reports its own progress
// as a fraction in [0,1]; the executor scales fractions by stage weight into
// the pipeline total.
type Stage struct {
	Name   string
	Weight float64
	Class  string
	Run    func(ctx context.Context, report func(fraction float64)) error
}

// StageError wraps a stage failure with its stable classification
type StageError struct {
	Stage string
	Class string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Classify returns the stable error class for a pipeline failure
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Class != "" {
		return stageErr.Class
	}
	return jobqueue.ClassConversionFailed
}

// Pipeline executes weighted stages in order with a mandatory trailing
// cleanup stage that runs whether the conversion succeeded or not
type Pipeline struct {
	stages  []Stage
	cleanup Stage
	logger  *slog.Logger
}

// New creates a Pipeline. cleanup runs after the stages on every outcome;
// its weight counts toward the total so a clean run ends exactly at 100.
func New(logger *slog.Logger, cleanup Stage, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, cleanup: cleanup, logger: logger}
}

func (p *Pipeline) totalWeight() float64 {
	total := p.cleanup.Weight
	for _, s := range p.stages {
		total += s.Weight
	}
	return total
}

// Execute runs the pipeline. Progress only moves forward: a stage that
// reports a final fraction early cannot be walked back by a later sample.
// Cleanup runs outside the job's cancellation so scratch space and staged
// inputs are released even when the conversion is being torn down.
func (p *Pipeline) Execute(ctx context.Context, report ReportFunc) (err error) {
	total := p.totalWeight()
	if total <= 0 {
		return fmt.Errorf("pipeline has no weighted stages")
	}

	var completed float64
	highWater := 0.0
	emit := func(value float64) {
		if value > highWater {
			highWater = value
			if report != nil {
				report(value)
			}
		}
	}

	// Cleanup is best effort: a failed delete never masks the conversion
	// outcome. Leftover staging blobs are reclaimed by the deferred
	// deletion sweep.
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if cerr := p.runStage(cleanupCtx, p.cleanup, completed, total, emit); cerr != nil {
			p.logger.Error("Cleanup stage failed",
				slog.String("stage", p.cleanup.Name),
				slog.String("error", cerr.Error()),
			)
		}
		if err == nil {
			emit(100)
		}
	}()

	for _, stage := range p.stages {
		if err = p.runStage(ctx, stage, completed, total, emit); err != nil {
			return err
		}
		completed += stage.Weight
		emit(completed / total * 100)
	}

	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, completed, total float64, emit func(float64)) error {
	if stage.Run == nil {
		return nil
	}

	p.logger.Debug("Stage started", slog.String("stage", stage.Name))

	err := stage.Run(ctx, func(fraction float64) {
		emit((completed + stage.Weight*clampFraction(fraction)) / total * 100)
	})
	if err != nil {
		// a stage can pre-classify part of its work, e.g. uploads inside a
		// streaming transform; keep that classification
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			return err
		}
		return &StageError{Stage: stage.Name, Class: stage.Class, Err: err}
	}

	p.logger.Debug("Stage finished", slog.String("stage", stage.Name))
	return nil
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
