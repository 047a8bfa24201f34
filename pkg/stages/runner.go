package stages

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
	"go.openly.dev/pointy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

const tracerName = "release-pipeline"

// DefaultCleanupTimeout bounds the cleanup stage when no other limit is given.
const DefaultCleanupTimeout = 5 * time.Minute

// Observer is notified every time a stage result is recorded, cleanup included.
type Observer interface {
	StageFinished(ctx context.Context, meta schemas.RunMetadata, res schemas.StageResult)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ctx context.Context, meta schemas.RunMetadata, res schemas.StageResult)

// StageFinished implements Observer.
func (f ObserverFunc) StageFinished(ctx context.Context, meta schemas.RunMetadata, res schemas.StageResult) {
	f(ctx, meta, res)
}

// Runner executes stages sequentially and accounts for every one of them in a PipelineReport.
type Runner struct {
	observers      []Observer
	now            func() time.Time
	cleanupTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observers = append(r.observers, o)
	}
}

// WithClock replaces the wall clock used to time stages.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithCleanupTimeout bounds the execution of the cleanup stage.
func WithCleanupTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.cleanupTimeout = d
	}
}

// NewRunner returns a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		now:            time.Now,
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes stages in order and returns the finalized report.
//
// A failing blocking stage halts the run: every following stage is recorded as skipped.
// Failures of best-effort stages are recorded and the run carries on. A cancelled ctx halts
// the run as a blocking failure of the stage which was about to start. cleanup is executed
// exactly once, after the other stages and before the report is finalized, whichever way
// the main sequence ended, with a context which is not cancelled along with ctx but expires
// after the cleanup timeout.
func (r *Runner) Run(ctx context.Context, meta schemas.RunMetadata, stages []Stage, cleanup Stage) (report schemas.PipelineReport) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "stages:Run")
	defer span.End()

	report = schemas.NewPipelineReport(meta, r.now())

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
		defer cancel()

		report.Append(r.execute(cleanupCtx, meta, cleanup))
		report.Finalize(r.now())

		span.SetAttributes(attribute.String("verdict", string(report.Verdict)))
		if report.Verdict != schemas.VerdictSuccess {
			span.SetStatus(codes.Error, "run failed")
		}
	}()

	var haltedBy string
	for _, s := range stages {
		if haltedBy != "" {
			report.Append(r.skipped(ctx, meta, s, fmt.Sprintf("not run, blocking stage %s failed", haltedBy)))
			continue
		}

		var res schemas.StageResult
		if err := ctx.Err(); err != nil {
			res = r.cancelled(ctx, meta, s, err)
		} else {
			res = r.execute(ctx, meta, s)
		}

		report.Append(res)

		if res.Blocked() {
			haltedBy = s.Name
		}
	}

	return
}

func (r *Runner) execute(ctx context.Context, meta schemas.RunMetadata, s Stage) schemas.StageResult {
	if s.Skip != nil {
		if skip, reason := s.Skip(); skip {
			return r.skipped(ctx, meta, s, reason)
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, fmt.Sprintf("stages:%s", s.Name),
		trace.WithAttributes(
			attribute.String("run-id", meta.RunID),
			attribute.String("criticality", string(s.Criticality)),
		),
	)
	defer span.End()

	logger := log.WithContext(ctx).WithFields(log.Fields{
		"run-id":      meta.RunID,
		"stage-name":  s.Name,
		"criticality": s.Criticality,
	})
	logger.Info("stage started")

	start := r.now()
	err := safeExecute(ctx, s)

	res := schemas.StageResult{
		Name:        s.Name,
		Criticality: s.Criticality,
		Outcome:     schemas.StageOutcomeSuccess,
		DurationMs:  r.now().Sub(start).Milliseconds(),
	}

	logger = logger.WithField("duration-ms", res.DurationMs)

	if err != nil {
		res.Outcome = schemas.StageOutcomeFailure
		res.Diagnostic = pointy.String(err.Error())
		res.FailureKind = schemas.KindOf(err)

		if s.Criticality == schemas.CriticalityBestEffort && res.FailureKind != schemas.FailureKindStageFault {
			res.FailureKind = schemas.FailureKindBestEffort
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.FailureKind))

		logger = logger.WithError(err).WithField("failure-kind", res.FailureKind)
		if res.Blocked() {
			logger.Error("stage failed")
		} else {
			logger.Warn("stage failed, continuing")
		}
	} else {
		logger.Info("stage succeeded")
	}

	r.notify(ctx, meta, res)

	return res
}

// safeExecute runs the stage, converting a panic into a StageFault error.
func safeExecute(ctx context.Context, s Stage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.WithContext(ctx).
				WithFields(log.Fields{
					"stage-name": s.Name,
					"stack":      string(debug.Stack()),
				}).
				Error("stage panicked")

			err = schemas.Failf(schemas.FailureKindStageFault, "stage %s panicked: %v", s.Name, p)
		}
	}()

	if s.Execute == nil {
		return nil
	}

	return s.Execute(ctx)
}

func (r *Runner) skipped(ctx context.Context, meta schemas.RunMetadata, s Stage, reason string) schemas.StageResult {
	res := schemas.StageResult{
		Name:        s.Name,
		Criticality: s.Criticality,
		Outcome:     schemas.StageOutcomeSkipped,
		Diagnostic:  pointy.String(reason),
	}

	log.WithContext(ctx).
		WithFields(log.Fields{
			"run-id":     meta.RunID,
			"stage-name": s.Name,
			"reason":     reason,
		}).
		Info("stage skipped")

	r.notify(ctx, meta, res)

	return res
}

func (r *Runner) cancelled(ctx context.Context, meta schemas.RunMetadata, s Stage, err error) schemas.StageResult {
	res := schemas.StageResult{
		Name:        s.Name,
		Criticality: schemas.CriticalityBlocking,
		Outcome:     schemas.StageOutcomeFailure,
		Diagnostic:  pointy.String(fmt.Sprintf("run cancelled before the stage started: %v", err)),
		FailureKind: schemas.FailureKindCancelled,
	}

	log.WithContext(ctx).
		WithFields(log.Fields{
			"run-id":     meta.RunID,
			"stage-name": s.Name,
		}).
		WithError(err).
		Error("run cancelled")

	r.notify(ctx, meta, res)

	return res
}

func (r *Runner) notify(ctx context.Context, meta schemas.RunMetadata, res schemas.StageResult) {
	for _, o := range r.observers {
		o.StageFinished(ctx, meta, res)
	}
}
