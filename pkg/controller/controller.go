package controller

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"google.golang.org/grpc"

	"github.com/helvethink/release-pipeline/pkg/config"
	"github.com/helvethink/release-pipeline/pkg/deployer"
	"github.com/helvethink/release-pipeline/pkg/environment"
	"github.com/helvethink/release-pipeline/pkg/gate"
	"github.com/helvethink/release-pipeline/pkg/gitlab"
	"github.com/helvethink/release-pipeline/pkg/health"
	"github.com/helvethink/release-pipeline/pkg/process"
	"github.com/helvethink/release-pipeline/pkg/publisher"
	"github.com/helvethink/release-pipeline/pkg/ratelimit"
	"github.com/helvethink/release-pipeline/pkg/schemas"
	"github.com/helvethink/release-pipeline/pkg/store"
)

const tracerName = "release-pipeline"

// Controller holds the clients and components a release run is made of.
// It is built once per invocation from an immutable configuration.
type Controller struct {
	Config    config.Config         // Application configuration settings
	Redis     *redis.Client         // Redis client persisting the reports, nil when not configured
	Gitlab    *gitlab.Client        // GitLab API client, only set for the gitlab quality gate
	Store     store.Store           // Storage of the run reports
	Registry  *Registry             // Metrics describing the runs
	Resolver  *environment.Resolver // Derives the parameters of each environment
	Publisher *publisher.Publisher  // Builds and publishes images
	Deployer  *deployer.Deployer    // Deploys images on the remote hosts
	Gate      *gate.Gate            // Quality gate evaluated before publishing
	Prober    health.Prober         // Probes the health endpoint after a deployment
	Recorder  *process.Recorder     // Commands a dry run would have executed, nil otherwise
	Version   string                // Version of the running application

	runner         process.Runner
	dialer         deployer.Dialer
	judge          gate.Judge
	healthClock    health.Clock
	gateSleep      func(ctx context.Context, d time.Duration) error
	now            func() time.Time
	tracerProvider *sdktrace.TracerProvider
}

// Option replaces one of the collaborators the Controller would otherwise build from its configuration.
type Option func(*Controller)

// WithProcessRunner runs the local commands with r.
func WithProcessRunner(r process.Runner) Option {
	return func(c *Controller) {
		c.runner = r
	}
}

// WithDialer opens the remote channels with d.
func WithDialer(d deployer.Dialer) Option {
	return func(c *Controller) {
		c.dialer = d
	}
}

// WithJudge makes the quality gate poll j.
func WithJudge(j gate.Judge) Option {
	return func(c *Controller) {
		c.judge = j
	}
}

// WithProber probes the deployed service with p.
func WithProber(p health.Prober) Option {
	return func(c *Controller) {
		c.Prober = p
	}
}

// WithHealthClock replaces the clock of the health check.
func WithHealthClock(clock health.Clock) Option {
	return func(c *Controller) {
		c.healthClock = clock
	}
}

// WithGateSleep replaces the function the quality gate waits with between two polls.
func WithGateSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.gateSleep = sleep
	}
}

// WithClock replaces the clock timing the stages.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates and initializes a new Controller instance.
// It sets up tracing, the Redis connection, the report store, the metrics registry and
// every stage collaborator. When cfg.Global.DryRun is set, nothing outside of the process
// is touched: commands are recorded, the gate always passes and the service is deemed healthy.
// On error, the connections which were already opened are closed.
func New(ctx context.Context, cfg config.Config, version string, opts ...Option) (c *Controller, err error) {
	c = &Controller{
		Config:      cfg,
		Version:     version,
		healthClock: health.RealClock{},
		gateSleep:   gate.Sleep,
		now:         time.Now,
	}

	defer func() {
		if err == nil {
			return
		}

		if cerr := c.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.WithContext(ctx).
				WithError(cerr).
				Warn("releasing resources of an incomplete controller")
		}
	}()

	for _, opt := range opts {
		opt(c)
	}

	if c.tracerProvider, err = configureTracing(ctx, cfg.OpenTelemetry.GRPCEndpoint); err != nil {
		return
	}

	if err = c.configureRedis(ctx, cfg.Redis.URL); err != nil {
		return
	}

	c.Store = store.New(ctx, c.Redis)
	c.Registry = NewRegistry(ctx)

	if c.Resolver, err = environment.NewResolver(cfg.Environments); err != nil {
		return
	}

	if cfg.Global.DryRun {
		c.configureDryRun()
	}

	if c.runner == nil {
		c.runner = process.Exec{}
	}

	if c.dialer == nil {
		if c.dialer, err = deployer.NewSSHDialer(cfg.Remote); err != nil {
			return c, schemas.NewStageError(schemas.FailureKindConfiguration, err)
		}
	}

	if c.judge == nil {
		if c.judge, err = c.configureJudge(ctx, cfg.Gate, version); err != nil {
			return
		}
	}

	if c.Prober == nil {
		c.Prober = health.NewHTTPProber(time.Duration(cfg.Health.TimeoutSeconds) * time.Second)
	}

	c.Publisher = publisher.New(c.runner, cfg)
	c.Deployer = deployer.New(c.dialer, cfg)
	c.Gate = gate.New(c.judge, cfg.Gate.PollInterval(), gate.WithSleep(c.gateSleep))

	return
}

// configureDryRun sets the side effect free collaborators of a dry run, unless options
// already provided them.
func (c *Controller) configureDryRun() {
	log.Info("dry run, commands are printed and not executed")

	c.Recorder = &process.Recorder{}

	if c.runner == nil {
		c.runner = c.Recorder
	}

	if c.dialer == nil {
		c.dialer = &deployer.RecordingDialer{Recorder: c.Recorder, User: c.Config.Remote.User}
	}

	if c.judge == nil {
		c.judge = gate.AlwaysPass
	}

	if c.Prober == nil {
		c.Prober = health.ProberFunc(func(context.Context, string) error { return nil })
	}

	c.healthClock = instantClock{}
}

// instantClock never waits, it backs the health check of dry runs.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now() }

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// configureTracing sets up OpenTelemetry tracing via a gRPC endpoint.
// If no endpoint is provided, tracing support is skipped.
func configureTracing(ctx context.Context, grpcEndpoint string) (*sdktrace.TracerProvider, error) {
	if len(grpcEndpoint) == 0 {
		log.Debug("opentelemetry.grpc_endpoint is not configured, skipping open telemetry support")
		return nil, nil
	}

	log.WithFields(log.Fields{
		"opentelemetry-grpc-endpoint": grpcEndpoint,
	}).Info("opentelemetry gRPC endpoint provided, initializing connection..")

	traceClient := otlptracegrpc.NewClient(
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(grpcEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()), // nolint: staticcheck
	)

	traceExp, err := otlptrace.New(ctx, traceClient)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("release-pipeline"),
		),
	)
	if err != nil {
		return nil, err
	}

	// A run is short lived, every span is kept
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
	)

	otel.SetTracerProvider(tracerProvider)

	return tracerProvider, nil
}

// configureJudge returns the judge selected by the gate configuration.
func (c *Controller) configureJudge(ctx context.Context, cfg config.Gate, version string) (gate.Judge, error) {
	switch cfg.Kind {
	case "sonarqube":
		return gate.NewSonarQube(cfg.URL, cfg.Token, cfg.ProjectKey, cfg.MaximumRequestsPerSecond), nil
	case "gitlab":
		if err := c.configureGitlab(ctx, cfg.GitLab, version); err != nil {
			return nil, schemas.NewStageError(schemas.FailureKindConfiguration, err)
		}

		return &gate.GitLab{
			Client:     c.Gitlab,
			Project:    cfg.GitLab.Project,
			SHA:        cfg.GitLab.SHA,
			StatusName: cfg.GitLab.StatusName,
		}, nil
	default:
		return gate.AlwaysPass, nil
	}
}

// configureGitlab initializes the GitLab client with the given configuration and version.
// It sets up a rate limiter using Redis if available, otherwise uses a local rate limiter.
func (c *Controller) configureGitlab(ctx context.Context, cfg config.GateGitLab, version string) (err error) {
	var rl ratelimit.Limiter

	if c.Redis != nil {
		rl = ratelimit.NewRedisLimiter(c.Redis, cfg.MaximumRequestsPerSecond)
	} else {
		rl = ratelimit.NewLocalLimiter(cfg.MaximumRequestsPerSecond, cfg.BurstableRequestsPerSecond)
	}

	if c.Gitlab, err = gitlab.NewClient(gitlab.ClientConfig{
		URL:              cfg.URL,
		Token:            cfg.Token,
		DisableTLSVerify: !cfg.EnableTLSVerify,
		UserAgentVersion: version,
		RateLimiter:      rl,
		ReadinessURL:     cfg.HealthURL,
	}); err != nil {
		return
	}

	// An unready instance is not fatal, the gate keeps polling until its deadline
	if err := c.Gitlab.ReadinessCheck(ctx)(); err != nil {
		log.WithContext(ctx).
			WithField("gitlab-url", cfg.URL).
			WithError(err).
			Warn("gitlab does not look ready")
	}

	return
}

// configureRedis initializes the Redis client using the provided URL and sets up OpenTelemetry tracing instrumentation.
// It returns an error if any step of the configuration or connection fails.
func (c *Controller) configureRedis(ctx context.Context, url string) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:configureRedis")
	defer span.End()

	if len(url) <= 0 {
		log.Debug("redis url is not configured, skipping configuration & using local driver")
		return
	}

	log.Info("redis url configured, initializing connection..")

	var opt *redis.Options

	if opt, err = redis.ParseURL(url); err != nil {
		return
	}

	c.Redis = redis.NewClient(opt)

	if err = redisotel.InstrumentTracing(c.Redis); err != nil {
		return
	}

	if _, err := c.Redis.Ping(ctx).Result(); err != nil {
		return errors.Wrap(err, "connecting to redis")
	}

	log.Info("connected to redis")

	return
}

// NewStore returns the report store described by cfg, without building any of the run
// collaborators. The returned function releases the underlying connection.
func NewStore(ctx context.Context, cfg config.Config) (s store.Store, closer func() error, err error) {
	c := &Controller{Config: cfg}
	if err = c.configureRedis(ctx, cfg.Redis.URL); err != nil {
		return
	}

	closer = func() error {
		if c.Redis == nil {
			return nil
		}

		return c.Redis.Close()
	}

	return store.New(ctx, c.Redis), closer, nil
}

// Close flushes the pending spans and releases the Redis connection.
func (c *Controller) Close(ctx context.Context) (err error) {
	if c.tracerProvider != nil {
		if err = c.tracerProvider.Shutdown(ctx); err != nil {
			log.WithContext(ctx).
				WithError(err).
				Warn("flushing traces")
		}
	}

	if c.Redis != nil {
		if cerr := c.Redis.Close(); cerr != nil {
			err = errors.Wrap(cerr, "closing redis connection")
		}
	}

	return
}
