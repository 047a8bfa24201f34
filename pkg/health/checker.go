package health

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

const tracerName = "release-pipeline"

// Verdict is the terminal outcome of a health check.
type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictUnhealthy Verdict = "unhealthy"
)

// Policy bounds a health check.
type Policy struct {
	MaxAttempts  int
	Interval     time.Duration
	InitialDelay time.Duration
}

// DefaultPolicy waits 30s, then probes up to 10 times, 10s apart.
var DefaultPolicy = Policy{
	MaxAttempts:  10,
	Interval:     10 * time.Second,
	InitialDelay: 30 * time.Second,
}

// Clock abstracts time so that tests can run the loop without waiting.
type Clock interface {
	Now() time.Time
	// Sleep waits for d, or returns ctx.Err() as soon as ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep implements Clock.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Summary is what remains of a check once it is over.
type Summary struct {
	Attempts int   // Number of probes performed
	LastErr  error // Error of the last failed probe, if any
	Aborted  error // Set when ctx ended the check early
}

type state int

const (
	stateWaiting state = iota
	stateProbing
	stateHealthy
	stateUnhealthy
)

// Checker determines whether a freshly deployed service serves traffic.
type Checker struct {
	prober  Prober
	clock   Clock
	onProbe func(ctx context.Context, attempt schemas.HealthProbeAttempt)
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(ch *Checker) {
		ch.clock = c
	}
}

// WithAttemptHook registers a function called after every probe.
func WithAttemptHook(fn func(ctx context.Context, attempt schemas.HealthProbeAttempt)) Option {
	return func(ch *Checker) {
		ch.onProbe = fn
	}
}

// NewChecker returns a Checker using p to probe.
func NewChecker(p Prober, opts ...Option) *Checker {
	c := &Checker{
		prober: p,
		clock:  RealClock{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Check waits policy.InitialDelay once, then probes url up to policy.MaxAttempts times,
// policy.Interval apart. The first successful probe ends the check as healthy. Exhausting
// the attempts, or ctx ending, yields unhealthy.
func (c *Checker) Check(ctx context.Context, url string, policy Policy) (verdict Verdict, summary Summary) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "health:Check")
	defer span.End()

	span.SetAttributes(attribute.String("url", url))
	defer func() {
		span.SetAttributes(
			attribute.String("verdict", string(verdict)),
			attribute.Int("attempts", summary.Attempts),
		)
	}()

	logger := log.WithContext(ctx).WithFields(log.Fields{
		"url":          url,
		"max-attempts": policy.MaxAttempts,
	})

	s, attempt := stateWaiting, 0

	for {
		switch s {
		case stateWaiting:
			logger.WithField("initial-delay", policy.InitialDelay.String()).Info("waiting for the service to start")

			if err := c.clock.Sleep(ctx, policy.InitialDelay); err != nil {
				summary.Aborted = err
				s = stateUnhealthy
				continue
			}

			attempt, s = 1, stateProbing

		case stateProbing:
			err := c.prober.Probe(ctx, url)
			summary.Attempts = attempt

			outcome := schemas.HealthProbeOutcomeHealthy
			if err != nil {
				summary.LastErr = err
				outcome = schemas.HealthProbeOutcomeUnhealthy
				if _, ok := err.(*StatusError); !ok {
					outcome = schemas.HealthProbeOutcomeError
				}
			}

			c.record(ctx, schemas.HealthProbeAttempt{
				AttemptIndex: attempt,
				Timestamp:    c.clock.Now(),
				Outcome:      outcome,
				Err:          err,
			})

			if err == nil {
				logger.WithField("attempt", attempt).Info("service is healthy")
				s = stateHealthy
				continue
			}

			logger.WithField("attempt", attempt).WithError(err).Warn("health probe failed")

			if attempt >= policy.MaxAttempts {
				s = stateUnhealthy
				continue
			}

			if serr := c.clock.Sleep(ctx, policy.Interval); serr != nil {
				summary.Aborted = serr
				s = stateUnhealthy
				continue
			}

			attempt++

		case stateHealthy:
			return VerdictHealthy, summary

		case stateUnhealthy:
			logger.WithField("attempts", summary.Attempts).Error("service did not become healthy")
			return VerdictUnhealthy, summary
		}
	}
}

func (c *Checker) record(ctx context.Context, a schemas.HealthProbeAttempt) {
	if c.onProbe != nil {
		c.onProbe(ctx, a)
	}
}

// Err maps the outcome of a check onto the pipeline failure taxonomy.
func (s Summary) Err(v Verdict) error {
	switch {
	case v == VerdictHealthy:
		return nil
	case s.Aborted != nil:
		return schemas.Failf(schemas.FailureKindHealthCheckExhausted,
			"health check aborted after %d attempts: %w", s.Attempts, s.Aborted)
	case s.LastErr != nil:
		return schemas.Failf(schemas.FailureKindHealthCheckExhausted,
			"service unhealthy after %d attempts: %w", s.Attempts, s.LastErr)
	default:
		return schemas.Failf(schemas.FailureKindHealthCheckExhausted, "service unhealthy after %d attempts", s.Attempts)
	}
}
