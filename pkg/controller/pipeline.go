package controller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/release-pipeline/pkg/health"
	"github.com/helvethink/release-pipeline/pkg/process"
	"github.com/helvethink/release-pipeline/pkg/schemas"
	"github.com/helvethink/release-pipeline/pkg/stages"
)

// publishTimeout bounds the persistence of the report and the push of the metrics, which
// happen once the run deadline may already be over.
const publishTimeout = 10 * time.Second

// release carries what the stages of a single run share: the image built by one stage and
// published, deployed or removed by the next ones.
type release struct {
	c     *Controller
	meta  schemas.RunMetadata
	image schemas.ImageReference
	built bool
}

// Run validates req, then drives the stages of a release against the target environment and
// returns the finalized report. The returned error is only set when the request is rejected
// before anything runs, a failed run is described by the report verdict.
func (c *Controller) Run(ctx context.Context, req schemas.DeploymentRequest) (report schemas.PipelineReport, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:Run")
	defer span.End()

	if err = req.Validate(); err != nil {
		return
	}

	profile := c.Resolver.Resolve(req.Environment)

	r := &release{
		c: c,
		meta: schemas.RunMetadata{
			RunID:   uuid.New().String(),
			Request: req,
			Profile: profile,
			Image:   c.Publisher.Reference(profile, req.BuildID),
		},
	}

	span.SetAttributes(
		attribute.String("run-id", r.meta.RunID),
		attribute.String("environment", string(req.Environment)),
		attribute.Int64("build-id", int64(req.BuildID)),
	)

	log.WithContext(ctx).
		WithFields(log.Fields{
			"run-id":      r.meta.RunID,
			"environment": req.Environment,
			"build-id":    req.BuildID,
			"host":        profile.Host,
			"skip-tests":  req.SkipTests,
			"dry-run":     c.Config.Global.DryRun,
		}).
		Info("starting release")

	runCtx, cancel := context.WithTimeout(ctx, c.Config.Pipeline.Timeout())
	defer cancel()

	runner := stages.NewRunner(
		stages.WithObserver(c.Registry),
		stages.WithClock(c.now),
		stages.WithCleanupTimeout(c.Config.Pipeline.CleanupTimeout()),
	)

	report = runner.Run(runCtx, r.meta, r.stages(), r.cleanup())
	if r.built {
		report.Image = r.image
	}

	log.WithContext(ctx).
		WithFields(log.Fields{
			"run-id":   report.RunID,
			"verdict":  report.Verdict,
			"duration": report.Duration().String(),
			"failures": len(report.Failures()),
		}).
		Info("release finished")

	c.publish(ctx, report)

	return report, nil
}

// stages declares the ordered stages of the release.
func (r *release) stages() []stages.Stage {
	cfg := r.c.Config

	return []stages.Stage{
		stages.Blocking(schemas.StageCheckout, r.c.command(cfg.Stages.Checkout)),
		stages.Blocking(schemas.StageSetup, r.c.command(cfg.Stages.Setup)),
		stages.BestEffort(schemas.StageLint, r.c.command(cfg.Stages.Lint)),
		stages.Blocking(schemas.StageTest, r.c.command(cfg.Stages.Test)).
			SkipWhen(r.meta.Request.SkipTests, "tests skipped on request"),
		stages.Blocking(schemas.StageQualityGate, r.qualityGate),
		stages.Blocking(schemas.StageBuild, r.build),
		stages.Blocking(schemas.StageSecurityScan, r.scan),
		stages.Blocking(schemas.StagePush, r.push),
		stages.Blocking(schemas.StageDeploy, r.deploy),
		stages.Blocking(schemas.StageHealthCheck, r.healthCheck),
	}
}

// cleanup removes what the run left in the workspace. It always runs and never changes the verdict.
func (r *release) cleanup() stages.Stage {
	return stages.BestEffort(schemas.StageCleanup, func(ctx context.Context) (err error) {
		if err = r.c.command(r.c.Config.Stages.Cleanup)(ctx); err != nil {
			err = errors.Wrap(err, "cleanup command")
		}

		if !r.built {
			return
		}

		if rerr := r.c.Publisher.Remove(ctx, r.image); rerr != nil {
			log.WithContext(ctx).
				WithField("image", r.image.BuildRef()).
				WithError(rerr).
				Warn("removing local image tags")

			if err == nil {
				err = errors.Wrap(rerr, "removing local image tags")
			}
		}

		return
	})
}

// command returns a stage body running argv in the workspace. An empty argv does nothing.
func (c *Controller) command(argv []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			log.WithContext(ctx).Debug("no command configured for this stage")
			return nil
		}

		cmd, err := process.FromArgv(argv)
		if err != nil {
			return schemas.NewStageError(schemas.FailureKindConfiguration, err)
		}

		cmd.Dir = c.Config.Workspace.Dir

		_, err = process.Check(ctx, c.runner, cmd)
		return err
	}
}

func (r *release) qualityGate(ctx context.Context) error {
	return r.c.Gate.Check(ctx, r.c.Config.Gate.Timeout())
}

func (r *release) build(ctx context.Context) (err error) {
	if r.image, err = r.c.Publisher.Build(ctx, r.meta.Profile, r.meta.Request.BuildID); err != nil {
		return
	}

	r.built = true

	r.image, err = r.c.Publisher.Tag(ctx, r.image)
	return
}

func (r *release) scan(ctx context.Context) error {
	return r.c.Publisher.Scan(ctx, r.image)
}

func (r *release) push(ctx context.Context) (err error) {
	r.image, err = r.c.Publisher.Push(ctx, r.image)
	return
}

func (r *release) deploy(ctx context.Context) error {
	return r.c.Deployer.Deploy(ctx, r.meta.Profile, r.image).Err()
}

func (r *release) healthCheck(ctx context.Context) error {
	cfg := r.c.Config.Health
	policy := health.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		Interval:     time.Duration(cfg.IntervalSeconds) * time.Second,
		InitialDelay: time.Duration(cfg.InitialDelaySeconds) * time.Second,
	}

	url := r.meta.Profile.HealthURL(cfg.Path)

	log.WithContext(ctx).
		WithFields(cfg.Log()).
		WithField("url", url).
		Info("checking service health")

	checker := health.NewChecker(r.c.Prober,
		health.WithClock(r.c.healthClock),
		health.WithAttemptHook(r.c.Registry.ProbeAttempted),
	)

	verdict, summary := checker.Check(ctx, url, policy)
	if verdict != health.VerdictHealthy {
		return summary.Err(verdict)
	}

	log.WithContext(ctx).
		WithField("attempts", summary.Attempts).
		Infof("service healthy on %s", r.meta.Profile.Address())

	return nil
}

// publish persists the report and pushes the run metrics. Failures are logged and never
// change the outcome of the run.
func (c *Controller) publish(ctx context.Context, report schemas.PipelineReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := c.Store.SetReport(ctx, report); err != nil {
		log.WithContext(ctx).
			WithField("run-id", report.RunID).
			WithError(err).
			Warn("persisting report")
	}

	c.Registry.ObserveReport(report)
	c.Registry.ExportInternalMetrics(c.Gitlab)

	if c.Config.Metrics.PushgatewayURL == "" {
		return
	}

	if err := c.Registry.Push(ctx, c.Config.Metrics.PushgatewayURL, c.Config.Metrics.JobName, report.Request.Environment); err != nil {
		log.WithContext(ctx).
			WithField("pushgateway-url", c.Config.Metrics.PushgatewayURL).
			WithError(err).
			Warn("pushing metrics")
	}
}
